// Package credential resolves the API key used to call the completion
// endpoint. Keys can come from configuration, the environment or an Azure
// Key Vault secret read with a default or managed identity.
package credential
