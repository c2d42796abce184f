package core

type Capability string // Capabilities of plugins

const (
	CapabilityNotifier Capability = "NOTIFIER"
	CapabilityAPI      Capability = "API"
	CapabilitySecrets  Capability = "SECRETS"
	CapabilityTrigger  Capability = "TRIGGER"
)
