package event

// VaultInitialized records creation of the vault.
type VaultInitialized struct {
	Authority   string `json:"authority"`
	CreditRatio uint8  `json:"credit_ratio"`
}

func (v *VaultInitialized) EventType() EventType {
	return EventTypeVaultInitialized
}

func (v *VaultInitialized) Subject() string {
	return v.Authority
}
