package rbac

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/bastion/pkg/errdefs"
)

//go:embed seed.schema.json
var seedSchema []byte

const seedSchemaID = "bastion://seed.schema.json"

// Seed describes the permissions and roles a fresh installation starts with.
// The root role always exists; it must not list permissions.
type Seed struct {
	Permissions []SeedPermission `yaml:"permissions" json:"permissions"`
	Roles       []SeedRole       `yaml:"roles" json:"roles"`
}

type SeedPermission struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	SetMenu     bool   `yaml:"set_menu" json:"set_menu"`
}

type SeedRole struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

// ParseSeed decodes a YAML seed and validates it against the embedded JSON Schema.
func ParseSeed(r io.Reader) (*Seed, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed: %w", err)
	}

	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse seed YAML: %w", err)
	}
	if err := validateSeed(raw); err != nil {
		return nil, err
	}

	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to decode seed: %w", err)
	}

	known := make(map[string]bool, len(seed.Permissions))
	for _, p := range seed.Permissions {
		known[p.Name] = true
	}
	for _, role := range seed.Roles {
		if role.Name == RootRoleName && len(role.Permissions) > 0 {
			return nil, errdefs.ValidationErrors{"roles": "the root role cannot carry permissions"}
		}
		for _, name := range role.Permissions {
			if !known[name] {
				return nil, errdefs.ValidationErrors{"roles": fmt.Sprintf("role %q references unknown permission %q", role.Name, name)}
			}
		}
	}

	return &seed, nil
}

func validateSeed(raw interface{}) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(seedSchemaID, bytes.NewReader(seedSchema)); err != nil {
		return fmt.Errorf("add seed schema: %w", err)
	}
	compiled, err := compiler.Compile(seedSchemaID)
	if err != nil {
		return fmt.Errorf("compile seed schema: %w", err)
	}

	// round trip through JSON so YAML scalars take the shapes the validator expects
	payload, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("normalize seed: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("normalize seed: %w", err)
	}

	if err := compiled.Validate(doc); err != nil {
		return errdefs.ValidationErrors{"seed": err.Error()}
	}
	return nil
}

// ApplySeed upserts the seed in one transaction. The root role is created first
// so it receives id 1 on an empty database.
func ApplySeed(ctx context.Context, db *sql.DB, seed *Seed) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	store := NewStore(db).WithTx(tx)

	if err := ensureRootRole(ctx, store); err != nil {
		return err
	}

	ids := make(map[string]int64, len(seed.Permissions))
	for _, sp := range seed.Permissions {
		existing, err := store.GetPermissionByName(ctx, sp.Name)
		switch {
		case errors.Is(err, errdefs.ErrNotFound):
			p := &Permission{Name: sp.Name, Description: sp.Description, SetMenu: sp.SetMenu}
			if err := store.CreatePermission(ctx, p); err != nil {
				return err
			}
			ids[sp.Name] = p.ID
		case err != nil:
			return err
		default:
			existing.Description = sp.Description
			existing.SetMenu = sp.SetMenu
			if err := store.UpdatePermission(ctx, existing); err != nil {
				return err
			}
			ids[sp.Name] = existing.ID
		}
	}

	for _, sr := range seed.Roles {
		if sr.Name == RootRoleName {
			continue
		}
		role, err := store.GetRoleByName(ctx, sr.Name)
		switch {
		case errors.Is(err, errdefs.ErrNotFound):
			role = &Role{Name: sr.Name, Description: sr.Description}
			if err := store.CreateRole(ctx, role); err != nil {
				return err
			}
		case err != nil:
			return err
		}

		permIDs := make([]int64, 0, len(sr.Permissions))
		for _, name := range sr.Permissions {
			permIDs = append(permIDs, ids[name])
		}
		if _, err := store.SyncRolePermissions(ctx, role.ID, permIDs); err != nil {
			return fmt.Errorf("failed to seed permissions of role %q: %w", sr.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit seed: %w", err)
	}
	return nil
}

func ensureRootRole(ctx context.Context, store *Store) error {
	if _, err := store.GetRole(ctx, RootRoleID); err == nil {
		return nil
	} else if !errors.Is(err, errdefs.ErrNotFound) {
		return err
	}

	roles, err := store.ListRoles(ctx)
	if err != nil {
		return err
	}
	if len(roles) > 0 {
		return fmt.Errorf("roles exist but role %d is missing; refusing to seed", RootRoleID)
	}

	root := &Role{Name: RootRoleName, Description: "Unrestricted access"}
	if err := store.CreateRole(ctx, root); err != nil {
		return err
	}
	if root.ID != RootRoleID {
		return fmt.Errorf("root role was created with id %d, expected %d", root.ID, RootRoleID)
	}
	return nil
}
