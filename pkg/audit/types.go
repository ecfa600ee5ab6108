package audit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Event kinds written by bastion services.
const (
	EventCreated      = "created"
	EventUpdated      = "updated"
	EventDeleted      = "deleted"
	EventForceDeleted = "force_deleted"
	EventRestored     = "restored"
	EventEnabled      = "enabled"
	EventDisabled     = "disabled"
	EventAuthorized   = "authorized"
	EventVerified     = "verified"
	EventRegistered   = "registered"
)

// Log names group entries by the module that wrote them.
const (
	LogUsers         = "users"
	LogRoles         = "roles"
	LogPermissions   = "permissions"
	LogOrganizations = "organizations"
	LogUnits         = "organizational_units"
	LogAuth          = "auth"
)

// SubjectKind enumerates the entities an entry can refer to.
type SubjectKind int

const (
	SubjectUnknown SubjectKind = iota
	SubjectUser
	SubjectRole
	SubjectPermission
	SubjectOrganization
	SubjectOrganizationalUnit
	SubjectPerson
)

type kindInfo struct {
	table string // stored in subject_type/causer_type
	label string // shown to readers
	key   string // used in authorized property names
}

var kinds = map[SubjectKind]kindInfo{
	SubjectUser:               {table: "user", label: "User", key: "user"},
	SubjectRole:               {table: "role", label: "Role", key: "role"},
	SubjectPermission:         {table: "permission", label: "Permission", key: "permission"},
	SubjectOrganization:       {table: "organization", label: "Organization", key: "organization"},
	SubjectOrganizationalUnit: {table: "organizational_unit", label: "Organizational unit", key: "unit"},
	SubjectPerson:             {table: "person", label: "Person", key: "person"},
}

// ParseSubjectKind maps a stored subject_type back onto its kind.
func ParseSubjectKind(s string) SubjectKind {
	for k, info := range kinds {
		if info.table == s {
			return k
		}
	}
	return SubjectUnknown
}

func (k SubjectKind) String() string {
	if info, ok := kinds[k]; ok {
		return info.table
	}
	return "unknown"
}

// Label is the display name of the kind.
func (k SubjectKind) Label() string {
	if info, ok := kinds[k]; ok {
		return info.label
	}
	return "Unknown"
}

func (k SubjectKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *SubjectKind) UnmarshalText(b []byte) error {
	*k = ParseSubjectKind(string(b))
	return nil
}

// Ref points at one entity.
type Ref struct {
	Kind SubjectKind `json:"type"`
	ID   int64       `json:"id"`
	Name string      `json:"name,omitempty"`
}

func UserRef(id int64, name string) Ref         { return Ref{Kind: SubjectUser, ID: id, Name: name} }
func RoleRef(id int64, name string) Ref         { return Ref{Kind: SubjectRole, ID: id, Name: name} }
func PermissionRef(id int64, name string) Ref   { return Ref{Kind: SubjectPermission, ID: id, Name: name} }
func OrganizationRef(id int64, name string) Ref { return Ref{Kind: SubjectOrganization, ID: id, Name: name} }
func UnitRef(id int64, name string) Ref         { return Ref{Kind: SubjectOrganizationalUnit, ID: id, Name: name} }

// Display renders the reference for descriptions, e.g. `Role "Auditor"` or `User #4`.
func (r Ref) Display() string {
	if r.Name != "" {
		return fmt.Sprintf("%s %q", r.Kind.Label(), r.Name)
	}
	return r.Kind.Label() + " #" + strconv.FormatInt(r.ID, 10)
}

// CauserSnapshot is the bounded copy of the acting principal kept with an entry.
type CauserSnapshot struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// RequestInfo describes the external request that triggered an entry.
type RequestInfo struct {
	IP            string `json:"ip"`
	UserAgent     string `json:"user_agent"`
	UserAgentLang string `json:"user_agent_lang"`
	Referer       string `json:"referer"`
	Method        string `json:"method"`
	URL           string `json:"url"`
}

// Properties is the structured payload stored with every entry. Extra keys are
// flattened next to the fixed ones; fixed keys win on collision.
type Properties struct {
	Request    *RequestInfo           `json:"request,omitempty"`
	Causer     *CauserSnapshot        `json:"causer,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	Old        map[string]interface{} `json:"old,omitempty"`
	Extra      map[string]interface{} `json:"-"`
}

var reservedProperties = map[string]bool{"request": true, "causer": true, "attributes": true, "old": true}

func (p Properties) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(p.Extra)+4)
	for k, v := range p.Extra {
		if !reservedProperties[k] {
			out[k] = v
		}
	}
	if p.Request != nil {
		out["request"] = p.Request
	}
	if p.Causer != nil {
		out["causer"] = p.Causer
	}
	if len(p.Attributes) > 0 {
		out["attributes"] = p.Attributes
	}
	if len(p.Old) > 0 {
		out["old"] = p.Old
	}
	return json.Marshal(out)
}

func (p *Properties) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Properties{}
	for k, v := range raw {
		var err error
		switch k {
		case "request":
			err = json.Unmarshal(v, &p.Request)
		case "causer":
			err = json.Unmarshal(v, &p.Causer)
		case "attributes":
			err = json.Unmarshal(v, &p.Attributes)
		case "old":
			err = json.Unmarshal(v, &p.Old)
		default:
			var val interface{}
			if err = json.Unmarshal(v, &val); err == nil {
				if p.Extra == nil {
					p.Extra = map[string]interface{}{}
				}
				p.Extra[k] = val
			}
		}
		if err != nil {
			return fmt.Errorf("invalid %q property: %w", k, err)
		}
	}
	return nil
}

// LogEntry is one immutable row of the activity log.
type LogEntry struct {
	ID          int64      `json:"id"`
	LogName     string     `json:"log_name"`
	Event       string     `json:"event"`
	Description string     `json:"description"`
	Subject     *Ref       `json:"subject,omitempty"`
	Causer      *Ref       `json:"causer,omitempty"`
	Properties  Properties `json:"properties"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Entry is what a caller asks the Writer to record.
//
// Description may contain the placeholders :causer and :subject, resolved at write time.
// Causer defaults to the actor in the context unless System is set.
type Entry struct {
	LogName     string
	Event       string
	Description string
	Subject     *Ref
	Causer      *CauserSnapshot
	System      bool
	Attributes  map[string]interface{}
	Old         map[string]interface{}
	Extra       map[string]interface{}
}

// Stats summarises a slice of the log.
type Stats struct {
	Total    int64            `json:"total"`
	ByEvent  map[string]int64 `json:"by_event"`
	ByModule map[string]int64 `json:"by_module"`
	ByCauser map[string]int64 `json:"by_causer"`
	From     *time.Time       `json:"from,omitempty"`
	To       *time.Time       `json:"to,omitempty"`
}

// ExportFormat represents the format for exporting activity logs
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson" // Newline-delimited JSON
)
