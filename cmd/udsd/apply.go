package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/VirtualCable/openuds-sub007/internal/dbstore"
	"github.com/VirtualCable/openuds-sub007/internal/propdata"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create or update a Provider, Service or ServicePool from a manifest file",
	Long: `Applies a YAML manifest against the shared store. Re-applying a
manifest with a name that already exists updates that row in place instead
of creating a duplicate.

Examples:
  udsd apply -f provider.yaml
  udsd apply -f pool.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(applyCmd)
}

// manifest is the generic envelope every applied resource is wrapped in,
// modeled after the admin-facing "kind + name + spec" shape used across
// the rest of the stack's config and deployment tooling.
type manifest struct {
	APIVersion string                 `yaml:"apiVersion"`
	Kind       string                 `yaml:"kind"`
	Metadata   manifestMetadata       `yaml:"metadata"`
	Spec       map[string]interface{} `yaml:"spec"`
}

type manifestMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	raw, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("apply: read %s: %w", filename, err)
	}

	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("apply: parse %s: %w", filename, err)
	}
	if m.Metadata.Name == "" {
		return fmt.Errorf("apply: metadata.name is required")
	}

	store, err := dbstore.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("apply: open store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()

	switch m.Kind {
	case "Provider":
		return applyProvider(ctx, store, &m)
	case "Service":
		return applyService(ctx, store, &m)
	case "ServicePool":
		return applyServicePool(ctx, store, &m)
	default:
		return fmt.Errorf("apply: unsupported kind %q", m.Kind)
	}
}

func applyProvider(ctx context.Context, store dbstore.Store, m *manifest) error {
	typeName := getString(m.Spec, "typeName", "")
	if typeName == "" {
		return fmt.Errorf("apply: provider %s: spec.typeName is required", m.Metadata.Name)
	}

	data, err := encodeSpecData(m.Spec)
	if err != nil {
		return fmt.Errorf("apply: provider %s: %w", m.Metadata.Name, err)
	}

	existing, err := store.Providers().GetByName(ctx, m.Metadata.Name)
	id := uuid.NewString()
	verb := "Created"
	if err == nil {
		id = existing.ID
		verb = "Updated"
	}

	p := &dbstore.Provider{
		ID:              id,
		Name:            m.Metadata.Name,
		TypeName:        typeName,
		Data:            data,
		MaintenanceMode: getBool(m.Spec, "maintenanceMode", false),
	}
	if err := store.Providers().Upsert(ctx, p); err != nil {
		return fmt.Errorf("apply: provider %s: %w", m.Metadata.Name, err)
	}
	fmt.Printf("%s provider %s (id=%s)\n", verb, m.Metadata.Name, id)
	return nil
}

func applyService(ctx context.Context, store dbstore.Store, m *manifest) error {
	typeName := getString(m.Spec, "typeName", "")
	providerName := getString(m.Spec, "provider", "")
	if typeName == "" || providerName == "" {
		return fmt.Errorf("apply: service %s: spec.typeName and spec.provider are required", m.Metadata.Name)
	}

	provider, err := store.Providers().GetByName(ctx, providerName)
	if err != nil {
		return fmt.Errorf("apply: service %s: provider %s not found: %w", m.Metadata.Name, providerName, err)
	}

	data, err := encodeSpecData(m.Spec)
	if err != nil {
		return fmt.Errorf("apply: service %s: %w", m.Metadata.Name, err)
	}

	existing, err := store.Services().GetByName(ctx, m.Metadata.Name)
	id := uuid.NewString()
	verb := "Created"
	if err == nil {
		id = existing.ID
		verb = "Updated"
	}

	s := &dbstore.Service{
		ID:          id,
		ProviderID:  provider.ID,
		Name:        m.Metadata.Name,
		TypeName:    typeName,
		Data:        data,
		UsesCache:   getBool(m.Spec, "usesCache", false),
		UsesCacheL2: getBool(m.Spec, "usesCacheL2", false),
	}
	if err := store.Services().Upsert(ctx, s); err != nil {
		return fmt.Errorf("apply: service %s: %w", m.Metadata.Name, err)
	}
	fmt.Printf("%s service %s (id=%s)\n", verb, m.Metadata.Name, id)
	return nil
}

func applyServicePool(ctx context.Context, store dbstore.Store, m *manifest) error {
	serviceName := getString(m.Spec, "service", "")
	if serviceName == "" {
		return fmt.Errorf("apply: service pool %s: spec.service is required", m.Metadata.Name)
	}

	service, err := store.Services().GetByName(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("apply: service pool %s: service %s not found: %w", m.Metadata.Name, serviceName, err)
	}

	existing, err := store.ServicePools().GetByName(ctx, m.Metadata.Name)
	id := uuid.NewString()
	verb := "Created"
	if err == nil {
		id = existing.ID
		verb = "Updated"
	}

	pool := &dbstore.ServicePool{
		ID:              id,
		ServiceID:       service.ID,
		Name:            m.Metadata.Name,
		State:           dbstore.PoolState(getString(m.Spec, "state", string(dbstore.PoolActive))),
		InitialServices: getInt(m.Spec, "initialServices", 0),
		CacheL1Services: getInt(m.Spec, "cacheL1Services", 0),
		CacheL2Services: getInt(m.Spec, "cacheL2Services", 0),
		MaxServices:     getInt(m.Spec, "maxServices", 0),
		ShowTransports:  getBool(m.Spec, "showTransports", true),
		AssignedGroups:  getStringSlice(m.Spec, "assignedGroups"),
	}
	if err := store.ServicePools().Upsert(ctx, pool); err != nil {
		return fmt.Errorf("apply: service pool %s: %w", m.Metadata.Name, err)
	}
	fmt.Printf("%s service pool %s (id=%s)\n", verb, m.Metadata.Name, id)
	return nil
}

// encodeSpecData packs spec's "data" sub-map (if any) into the opaque
// propdata blob that Provider/Service.Data carries; every value is
// stored as its fmt.Sprintf string form with a type tag inferred from
// its YAML-decoded Go type.
func encodeSpecData(spec map[string]interface{}) ([]byte, error) {
	raw, _ := spec["data"].(map[string]interface{})
	if len(raw) == 0 {
		return nil, nil
	}
	fields := make([]propdata.Field, 0, len(raw))
	for name, v := range raw {
		tag := "str"
		switch v.(type) {
		case bool:
			tag = "bool"
		case int, int64, float64:
			tag = "int"
		}
		fields = append(fields, propdata.Field{
			Name:  name,
			Type:  tag,
			Value: []byte(fmt.Sprintf("%v", v)),
		})
	}
	return propdata.Encode(fields)
}

func getString(spec map[string]interface{}, key, defaultValue string) string {
	if v, ok := spec[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return defaultValue
}

func getBool(spec map[string]interface{}, key string, defaultValue bool) bool {
	if v, ok := spec[key].(bool); ok {
		return v
	}
	return defaultValue
}

func getInt(spec map[string]interface{}, key string, defaultValue int) int {
	switch v := spec[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return defaultValue
}

func getStringSlice(spec map[string]interface{}, key string) []string {
	raw, ok := spec[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		out = append(out, fmt.Sprintf("%v", v))
	}
	return out
}
