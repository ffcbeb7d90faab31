// Package factory builds the EHR adapter configured for a tenant.
package factory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/clinicops/ehrsync/internal/domain/clinic"
	"github.com/clinicops/ehrsync/internal/ehr"
	"github.com/clinicops/ehrsync/internal/ehr/csvadapter"
	"github.com/clinicops/ehrsync/internal/ehr/fhiradapter"
	"github.com/clinicops/ehrsync/internal/ehr/orcaadapter"
)

// SettingsCategory is the settings category holding every EHR key.
const SettingsCategory = "ehr"

// Settings keys.
const (
	KeyProvider     = "provider"
	KeyORCABaseURL  = "orca_base_url"
	KeyORCAUsername = "orca_username"
	KeyORCAPassword = "orca_password"
	KeyORCAWebORCA  = "orca_weborca"
	KeyFHIRBaseURL  = "fhir_base_url"
	KeyFHIRAuthType = "fhir_auth_type"
	KeyFHIRToken    = "fhir_token"
	KeyFHIRUsername = "fhir_username"
	KeyFHIRPassword = "fhir_password"
)

// ErrInvalidSetting is returned by Configure for unknown keys and malformed
// values.
var ErrInvalidSetting = errors.New("invalid ehr setting")

var allKeys = []string{
	KeyProvider,
	KeyORCABaseURL, KeyORCAUsername, KeyORCAPassword, KeyORCAWebORCA,
	KeyFHIRBaseURL, KeyFHIRAuthType, KeyFHIRToken, KeyFHIRUsername, KeyFHIRPassword,
}

var secretKeys = map[string]bool{
	KeyORCAPassword: true,
	KeyFHIRToken:    true,
	KeyFHIRPassword: true,
}

// Factory resolves adapters from per-tenant settings. CSV adapters hold
// loaded data, so one instance is kept per tenant for the life of the
// Factory.
type Factory struct {
	settings clinic.SettingsStore
	logger   zerolog.Logger

	mu  sync.Mutex
	csv map[string]*csvadapter.Adapter
}

func New(settings clinic.SettingsStore, logger zerolog.Logger) *Factory {
	return &Factory{
		settings: settings,
		logger:   logger,
		csv:      make(map[string]*csvadapter.Adapter),
	}
}

// Provider returns the provider configured for the tenant, or
// ehr.ErrSyncDisabled when none is set.
func (f *Factory) Provider(ctx context.Context, tenantID string) (ehr.Provider, error) {
	raw, err := f.settings.GetSetting(ctx, SettingsCategory, KeyProvider, tenantID)
	if err != nil {
		return "", fmt.Errorf("read ehr provider: %w", err)
	}
	if strings.TrimSpace(raw) == "" {
		return "", ehr.ErrSyncDisabled
	}
	return ehr.ParseProvider(raw)
}

// ForTenant builds the adapter configured for the tenant.
func (f *Factory) ForTenant(ctx context.Context, tenantID string) (ehr.Adapter, error) {
	provider, err := f.Provider(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	logger := f.logger.With().Str("tenant_id", tenantID).Logger()
	switch provider {
	case ehr.ProviderORCA:
		cfg, err := f.orcaConfig(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		return orcaadapter.New(cfg, logger), nil
	case ehr.ProviderFHIR:
		cfg, err := f.fhirConfig(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		return fhiradapter.New(cfg, logger), nil
	case ehr.ProviderCSV:
		return f.CSV(tenantID), nil
	default:
		return nil, fmt.Errorf("%w: %q", ehr.ErrUnknownProvider, provider)
	}
}

// CSV returns the tenant's CSV adapter, creating it on first use.
func (f *Factory) CSV(tenantID string) *csvadapter.Adapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.csv[tenantID]
	if !ok {
		a = csvadapter.New()
		f.csv[tenantID] = a
	}
	return a
}

func (f *Factory) orcaConfig(ctx context.Context, tenantID string) (orcaadapter.Config, error) {
	s, err := f.read(ctx, tenantID, KeyORCABaseURL, KeyORCAUsername, KeyORCAPassword, KeyORCAWebORCA)
	if err != nil {
		return orcaadapter.Config{}, err
	}
	if s[KeyORCABaseURL] == "" {
		return orcaadapter.Config{}, fmt.Errorf("ehr provider orca: %s is not set", KeyORCABaseURL)
	}
	weborca, _ := strconv.ParseBool(s[KeyORCAWebORCA])
	return orcaadapter.Config{
		BaseURL:  s[KeyORCABaseURL],
		Username: s[KeyORCAUsername],
		Password: s[KeyORCAPassword],
		WebORCA:  weborca,
	}, nil
}

func (f *Factory) fhirConfig(ctx context.Context, tenantID string) (fhiradapter.Config, error) {
	s, err := f.read(ctx, tenantID, KeyFHIRBaseURL, KeyFHIRAuthType, KeyFHIRToken, KeyFHIRUsername, KeyFHIRPassword)
	if err != nil {
		return fhiradapter.Config{}, err
	}
	if s[KeyFHIRBaseURL] == "" {
		return fhiradapter.Config{}, fmt.Errorf("ehr provider fhir: %s is not set", KeyFHIRBaseURL)
	}

	authType := strings.ToLower(s[KeyFHIRAuthType])
	if authType == "" {
		switch {
		case s[KeyFHIRToken] != "":
			authType = fhiradapter.AuthBearer
		case s[KeyFHIRUsername] != "":
			authType = fhiradapter.AuthBasic
		}
	}
	return fhiradapter.Config{
		BaseURL:  s[KeyFHIRBaseURL],
		AuthType: authType,
		Token:    s[KeyFHIRToken],
		Username: s[KeyFHIRUsername],
		Password: s[KeyFHIRPassword],
	}, nil
}

// Configure validates and stores EHR settings for the tenant. An empty
// provider disables sync. Nothing is written when any entry is invalid.
func (f *Factory) Configure(ctx context.Context, tenantID string, values map[string]string) error {
	keys := make([]string, 0, len(values))
	for k, v := range values {
		if err := validateSetting(k, strings.TrimSpace(v)); err != nil {
			return err
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := strings.TrimSpace(values[k])
		if k == KeyProvider || k == KeyFHIRAuthType {
			v = strings.ToLower(v)
		}
		if err := f.settings.SetSetting(ctx, SettingsCategory, k, tenantID, v); err != nil {
			return fmt.Errorf("write ehr setting %s: %w", k, err)
		}
	}
	f.logger.Info().Str("tenant_id", tenantID).Strs("keys", keys).Msg("ehr settings updated")
	return nil
}

func validateSetting(key, value string) error {
	switch key {
	case KeyProvider:
		if value == "" {
			return nil
		}
		if _, err := ehr.ParseProvider(value); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSetting, err)
		}
	case KeyORCAWebORCA:
		if value == "" {
			return nil
		}
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("%w: %s must be a boolean", ErrInvalidSetting, key)
		}
	case KeyFHIRAuthType:
		switch strings.ToLower(value) {
		case "", fhiradapter.AuthBearer, fhiradapter.AuthBasic:
		default:
			return fmt.Errorf("%w: %s must be %s or %s", ErrInvalidSetting, key, fhiradapter.AuthBearer, fhiradapter.AuthBasic)
		}
	case KeyORCABaseURL, KeyORCAUsername, KeyORCAPassword,
		KeyFHIRBaseURL, KeyFHIRToken, KeyFHIRUsername, KeyFHIRPassword:
	default:
		return fmt.Errorf("%w: unknown key %q", ErrInvalidSetting, key)
	}
	return nil
}

// Settings returns every EHR setting of the tenant with secrets masked.
func (f *Factory) Settings(ctx context.Context, tenantID string) (map[string]string, error) {
	s, err := f.read(ctx, tenantID, allKeys...)
	if err != nil {
		return nil, err
	}
	for k := range secretKeys {
		if s[k] != "" {
			s[k] = "********"
		}
	}
	return s, nil
}

func (f *Factory) read(ctx context.Context, tenantID string, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v, err := f.settings.GetSetting(ctx, SettingsCategory, k, tenantID)
		if err != nil {
			return nil, fmt.Errorf("read ehr setting %s: %w", k, err)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}
