package models

import "time"

// PluginCategory groups plugins by the kind of work they do.
type PluginCategory string

const (
	CategoryIO             PluginCategory = "io"
	CategoryCommunication  PluginCategory = "communication"
	CategoryDataProcessing PluginCategory = "data_processing"
	CategoryStorage        PluginCategory = "storage"
	CategoryLogic          PluginCategory = "logic"
)

// FieldType is the declared type of a plugin input or output field.
type FieldType string

const (
	FieldTypeString FieldType = "string"
	FieldTypeNumber FieldType = "number"
	FieldTypeBool   FieldType = "boolean"
	FieldTypeList   FieldType = "list"
	FieldTypeObject FieldType = "object"
)

// FieldSpec declares one input or output field of a plugin.
type FieldSpec struct {
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
	Default  any       `json:"default,omitempty"`
	Enum     []string  `json:"enum,omitempty"`
	// Description feeds the planner's capability catalogue.
	Description string `json:"description,omitempty"`
}

// PluginPolicy is the per-plugin execution policy.
type PluginPolicy struct {
	// AllowedHosts extends the effective host allowlist for this plugin.
	AllowedHosts []string `json:"allowed_hosts,omitempty"`
	// AllowInsecureHTTP permits plain http:// targets.
	AllowInsecureHTTP bool `json:"allow_insecure_http,omitempty"`
	MaxBodyBytes      int64 `json:"max_body_bytes,omitempty"`
	TimeoutSec        int   `json:"timeout_seconds,omitempty"`
}

// PluginRecord is the persisted registration of a plugin. System plugins are
// built in; organization plugins are user-registered and picked up at the
// next registry sync.
type PluginRecord struct {
	Namespace          string               `json:"namespace"`
	Description        string               `json:"description"`
	Category           PluginCategory       `json:"category"`
	Inputs             map[string]FieldSpec `json:"inputs"`
	Outputs            map[string]FieldSpec `json:"outputs"`
	RequiresCheckpoint bool                 `json:"requires_checkpoint"`
	Policy             PluginPolicy         `json:"policy"`
	System             bool                 `json:"system"`
	OrgID              string               `json:"org_id,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
}
