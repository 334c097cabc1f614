package config

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validViper() *viper.Viper {
	v := viper.New()
	v.Set("provider", "DataCrunch")
	v.Set("datacrunch-client-id", "id")
	v.Set("datacrunch-client-secret", "secret")
	v.Set("required-gpu", " h100 ")
	v.Set("price-cap", 3.5)
	v.Set("job-name", "train")
	v.Set("job-command", "python train.py")
	v.Set("plan", "plan.yaml")
	v.Set("ssh-key-path", "/root/.ssh/id_ed25519")
	v.Set("readiness-timeout", "30m")
	v.Set("hf-token", "hf_abc")
	return v
}

func TestLoad(t *testing.T) {
	v := validViper()
	v.Set("max-runtime", "2h")
	v.Set("provision-attempts", 4)

	c, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, ProviderDataCrunch, c.Provider)
	assert.Equal(t, "H100", c.RequiredGPU)
	assert.Equal(t, 3.5, c.PriceCap)
	assert.Equal(t, 30*time.Minute, c.ReadinessTimeout)
	assert.Equal(t, 2*time.Hour, c.MaxRuntime)
	assert.Equal(t, uint(4), c.ProvisionAttempts)
	assert.NoError(t, c.Validate())
	assert.Equal(t, "hf_abc", c.Vars()["HF_TOKEN"])
	assert.ElementsMatch(t, []string{"secret", "hf_abc"}, c.Secrets())
}

func TestValidateListsEveryMissingOption(t *testing.T) {
	c, err := Load(viper.New())
	require.NoError(t, err)

	err = c.Validate()
	require.Error(t, err)

	var missing *MissingError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, []string{
		"provider", "required-gpu", "price-cap", "job-name", "job-command", "plan", "ssh-key-path", "readiness-timeout",
	}, missing.Options)
}

func TestValidateProvider(t *testing.T) {
	tests := []struct {
		name    string
		set     map[string]interface{}
		missing []string
	}{
		{"datacrunch", map[string]interface{}{"provider": "datacrunch", "datacrunch-client-id": "id"}, []string{"datacrunch-client-secret"}},
		{"gcp", map[string]interface{}{"provider": "gcp", "gcp-zone": "europe-west4-a"}, []string{"gcp-project", "gcp-prices"}},
		{"gcp complete", map[string]interface{}{"provider": "gcp", "gcp-project": "p", "gcp-zone": "z", "gcp-prices": "T4=0.2"}, nil},
		{"unknown", map[string]interface{}{"provider": "aws"}, []string{"provider"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			for k, value := range tt.set {
				v.Set(k, value)
			}

			c, err := Load(v)
			require.NoError(t, err)

			err = c.ValidateProvider()
			if tt.missing == nil {
				assert.NoError(t, err)
				return
			}

			var missing *MissingError
			require.True(t, errors.As(err, &missing))
			assert.Equal(t, tt.missing, missing.Options)
		})
	}
}

func TestParsePrices(t *testing.T) {
	prices, err := ParsePrices("h100=2.5, T4=0.2,,")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"H100": 2.5, "T4": 0.2}, prices)

	prices, err = ParsePrices("")
	require.NoError(t, err)
	assert.Empty(t, prices)

	for _, invalid := range []string{"H100", "H100=abc", "H100=-1", "=2"} {
		_, err := ParsePrices(invalid)
		assert.Error(t, err, invalid)
	}
}

func TestLoadRejectsInvalidPrices(t *testing.T) {
	v := viper.New()
	v.Set("gcp-prices", "H100=free")

	_, err := Load(v)
	assert.Error(t, err)
}
