package config

// ProviderConfig declares one pool member. Settings are decoded by the
// provider factory according to Type; credentials inside stay opaque to
// the pool.
type ProviderConfig struct {
	Name     string                 `mapstructure:"name"`
	Type     string                 `mapstructure:"type"`
	Region   string                 `mapstructure:"region"`
	Settings map[string]interface{} `mapstructure:"settings"`
}
