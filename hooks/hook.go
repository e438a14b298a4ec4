// Package hooks defines the cluster hook model shared by the replica store,
// the catalog and the remediation orchestrator.
//
// A hook is a script bound to a cluster, a stage and a triggering command.
// Every server of the cluster keeps its own copy (a Replica). The cluster-wide
// view of a hook is never stored: it is derived from the replicas by Classify.
package hooks

import (
	"fmt"
	"strings"
	"time"
)

type Stage string

const (
	StagePre  Stage = "PRE"
	StagePost Stage = "POST"
)

func ParseStage(s string) (Stage, error) {
	switch Stage(strings.ToUpper(s)) {
	case StagePre:
		return StagePre, nil
	case StagePost:
		return StagePost, nil
	}
	return "", fmt.Errorf("invalid stage %q (must be PRE or POST)", s)
}

type ContentType string

const (
	ContentTypeText   ContentType = "TEXT"
	ContentTypeBinary ContentType = "BINARY"
)

func ParseContentType(s string) (ContentType, error) {
	switch ContentType(strings.ToUpper(s)) {
	case ContentTypeText:
		return ContentTypeText, nil
	case ContentTypeBinary:
		return ContentTypeBinary, nil
	}
	return "", fmt.Errorf("invalid content type %q (must be TEXT or BINARY)", s)
}

// Status is the state of one server's copy of a hook.
type Status string

const (
	StatusEnabled  Status = "ENABLED"
	StatusDisabled Status = "DISABLED"
	// The server was queried and confirmed it has no copy.
	StatusMissing Status = "MISSING"
	// The last contact with the server failed, its true state is unknown.
	StatusUnknown Status = "UNKNOWN"
	// Tombstone. Never part of the conflict computation.
	StatusRemoved Status = "REMOVED"
)

func (s Status) HasCopy() bool {
	return s == StatusEnabled || s == StatusDisabled
}

func (s Status) Live() bool {
	return s != StatusRemoved
}

func StatusFromEnabled(enabled bool) Status {
	if enabled {
		return StatusEnabled
	}
	return StatusDisabled
}

type AggregateStatus string

const (
	AggregateEnabled   AggregateStatus = "ENABLED"
	AggregateDisabled  AggregateStatus = "DISABLED"
	AggregateMixed     AggregateStatus = "MIXED"
	AggregateUndefined AggregateStatus = "UNDEFINED"
)

// Definition is the cluster-scoped part of a hook.
// Checksum and Content hold the canonical copy, i.e. the content most recently
// pushed to the cluster. Both may be empty.
type Definition struct {
	ID          string      `json:"id" validate:"required"`
	ClusterID   string      `json:"cluster_id" validate:"required"`
	Stage       Stage       `json:"stage" validate:"oneof=PRE POST"`
	Command     string      `json:"command" validate:"required"`
	Name        string      `json:"name" validate:"required"`
	ContentType ContentType `json:"content_type" validate:"oneof=TEXT BINARY"`
	Checksum    Checksum    `json:"checksum,omitempty"`
	Content     []byte      `json:"content,omitempty"`
}

type Identity struct {
	ClusterID string
	Command   string
	Stage     Stage
	Name      string
}

func (d *Definition) Identity() Identity {
	return Identity{d.ClusterID, d.Command, d.Stage, d.Name}
}

func (d *Definition) String() string {
	return fmt.Sprintf("%s/%s-%s/%s", d.ClusterID, d.Command, strings.ToLower(string(d.Stage)), d.Name)
}

// Replica is the latest known state of a hook on one server.
// Checksum is set iff Status.HasCopy().
type Replica struct {
	HookID    string    `json:"hook_id"`
	ServerID  string    `json:"server_id"`
	Status    Status    `json:"status"`
	Checksum  Checksum  `json:"checksum,omitempty"`
	Content   []byte    `json:"content,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
