package workflow

import (
	"encoding/json"
	"fmt"
	"os"
)

// routingFile is the JSON shape of the routing configuration file.
type routingFile struct {
	VoiceSettings struct {
		Model           string            `json:"model"`
		Instructions    string            `json:"instructions"`
		Voice           string            `json:"voice"`
		PromptVariables map[string]string `json:"prompt_variables"`
	} `json:"voice_settings"`
	Accounts []struct {
		ID           int64  `json:"id"`
		WorkflowSlug string `json:"workflow_slug"`
	} `json:"accounts"`
	Workflows []struct {
		Slug      string `json:"slug"`
		Telephony *struct {
			RingTimeoutSeconds float64 `json:"ring_timeout_seconds"`
			SpeakFirst         bool    `json:"speak_first"`
			ProviderID         string  `json:"provider_id"`
			ProviderSlug       string  `json:"provider_slug"`
			Tools              []Tool  `json:"tools"`
			Routes             []struct {
				Label        string   `json:"label"`
				WorkflowSlug string   `json:"workflow_slug"`
				PhoneNumbers []string `json:"phone_numbers"`
				Prefixes     []string `json:"prefixes"`
				Priority     int      `json:"priority"`
				IsDefault    bool     `json:"is_default"`
				Overrides    struct {
					Model           string            `json:"model"`
					Voice           string            `json:"voice"`
					Instructions    string            `json:"instructions"`
					PromptVariables map[string]string `json:"prompt_variables"`
				} `json:"overrides"`
			} `json:"routes"`
		} `json:"telephony"`
	} `json:"workflows"`
}

// StaticStore is a Store backed by a JSON routing file. It stands in for
// the external workflow service in standalone deployments and tests.
type StaticStore struct {
	definitions map[string]*Definition
	accounts    map[int64]string
	settings    VoiceSettings
}

// LoadStaticStore reads a routing file from disk.
func LoadStaticStore(path string) (*StaticStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routing file: %w", err)
	}
	return ParseStaticStore(data)
}

// ParseStaticStore builds a store from routing file content.
func ParseStaticStore(data []byte) (*StaticStore, error) {
	var file routingFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse routing file: %w", err)
	}

	s := &StaticStore{
		definitions: make(map[string]*Definition),
		accounts:    make(map[int64]string),
		settings: VoiceSettings{
			Model:           file.VoiceSettings.Model,
			Instructions:    file.VoiceSettings.Instructions,
			Voice:           file.VoiceSettings.Voice,
			PromptVariables: file.VoiceSettings.PromptVariables,
		},
	}
	if s.settings.Model == "" {
		s.settings.Model = "gpt-realtime"
	}
	if s.settings.Voice == "" {
		s.settings.Voice = "verse"
	}

	for _, wf := range file.Workflows {
		definition := &Definition{Slug: wf.Slug}
		if wf.Telephony != nil {
			cfg := &StartConfig{
				RingTimeoutSeconds: wf.Telephony.RingTimeoutSeconds,
				SpeakFirst:         wf.Telephony.SpeakFirst,
				ProviderID:         wf.Telephony.ProviderID,
				ProviderSlug:       wf.Telephony.ProviderSlug,
				Tools:              wf.Telephony.Tools,
			}
			for _, route := range wf.Telephony.Routes {
				rc := RouteConfig{
					Label:        route.Label,
					WorkflowSlug: route.WorkflowSlug,
					PhoneNumbers: route.PhoneNumbers,
					Prefixes:     route.Prefixes,
					Priority:     route.Priority,
					IsDefault:    route.IsDefault,
					Overrides: RouteOverrides{
						Model:           route.Overrides.Model,
						Voice:           route.Overrides.Voice,
						Instructions:    route.Overrides.Instructions,
						PromptVariables: route.Overrides.PromptVariables,
					},
				}
				if rc.IsDefault {
					copied := rc
					cfg.DefaultRoute = &copied
				} else {
					cfg.Routes = append(cfg.Routes, rc)
				}
			}
			definition.Telephony = cfg
		}
		s.definitions[wf.Slug] = definition
	}

	for _, account := range file.Accounts {
		s.accounts[account.ID] = account.WorkflowSlug
	}

	return s, nil
}

// DefinitionForAccount implements Store.
func (s *StaticStore) DefinitionForAccount(accountID int64) (*Definition, error) {
	slug, ok := s.accounts[accountID]
	if !ok {
		return nil, nil
	}
	return s.definitions[slug], nil
}

// DefinitionBySlug implements Store.
func (s *StaticStore) DefinitionBySlug(slug string) (*Definition, error) {
	definition, ok := s.definitions[slug]
	if !ok {
		return nil, fmt.Errorf("workflow not found: %s", slug)
	}
	return definition, nil
}

// VoiceSettings implements Store.
func (s *StaticStore) VoiceSettings() VoiceSettings {
	return s.settings
}
