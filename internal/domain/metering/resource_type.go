package metering

// ResourceType identifies a metered resource that packs are denominated in
type ResourceType string

const (
	// ResourceSMS covers outbound SMS notification sends
	ResourceSMS ResourceType = "sms"

	// ResourceEmail covers outbound email notification sends
	ResourceEmail ResourceType = "email"

	// ResourceVoice covers outbound voice call notifications
	ResourceVoice ResourceType = "voice"
)

// AllResourceTypes returns all known resource types
func AllResourceTypes() []ResourceType {
	return []ResourceType{
		ResourceSMS,
		ResourceEmail,
		ResourceVoice,
	}
}

// String returns the string representation of the resource type
func (t ResourceType) String() string {
	return string(t)
}

// IsValid returns true if the resource type is known
func (t ResourceType) IsValid() bool {
	switch t {
	case ResourceSMS, ResourceEmail, ResourceVoice:
		return true
	}
	return false
}

// DisplayName returns a human-readable name for the resource type
func (t ResourceType) DisplayName() string {
	switch t {
	case ResourceSMS:
		return "SMS Messages"
	case ResourceEmail:
		return "Email Messages"
	case ResourceVoice:
		return "Voice Calls"
	default:
		return string(t)
	}
}
