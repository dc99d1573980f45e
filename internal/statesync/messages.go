package statesync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type MessageType string

const (
	TypeSyncRequest   MessageType = "sync_request"
	TypeFullSync      MessageType = "full_sync"
	TypeUpdateRequest MessageType = "update_request"
	TypeUpdateAck     MessageType = "update_ack"
	TypeStateUpdate   MessageType = "state_update"
	TypeResetRequest  MessageType = "reset_request"
)

// Message is the closed set of messages exchanged between contexts.
type Message interface {
	Type() MessageType
	isMessage()
}

// SyncRequest asks the master for a full snapshot.
type SyncRequest struct {
	ID string
}

// FullSync carries every namespace record and the master instance that
// produced it.
type FullSync struct {
	ID         string
	InstanceID string
	Snapshot   Snapshot
}

type UpdateRequest struct {
	ID        string
	Namespace Namespace
	Patch     Patch
}

// UpdateAck answers an UpdateRequest or ResetRequest. Record is the merged
// record; Error is set when the master rejected the request.
type UpdateAck struct {
	ID        string
	Namespace Namespace
	Record    Record
	Error     string
}

type StateUpdate struct {
	Namespace Namespace
	Record    Record
	Patch     Patch
}

// ResetRequest restores defaults for Namespaces, or for every namespace when
// the list is empty.
type ResetRequest struct {
	ID         string
	Namespaces []Namespace
}

func (SyncRequest) Type() MessageType   { return TypeSyncRequest }
func (FullSync) Type() MessageType      { return TypeFullSync }
func (UpdateRequest) Type() MessageType { return TypeUpdateRequest }
func (UpdateAck) Type() MessageType     { return TypeUpdateAck }
func (StateUpdate) Type() MessageType   { return TypeStateUpdate }
func (ResetRequest) Type() MessageType  { return TypeResetRequest }

func (SyncRequest) isMessage()   {}
func (FullSync) isMessage()      {}
func (UpdateRequest) isMessage() {}
func (UpdateAck) isMessage()     {}
func (StateUpdate) isMessage()   {}
func (ResetRequest) isMessage()  {}

type envelope struct {
	Type       MessageType          `json:"type"`
	ID         string               `json:"id,omitempty"`
	InstanceID string               `json:"instanceId,omitempty"`
	Namespace  Namespace            `json:"namespace,omitempty"`
	Patch      Patch                `json:"patch,omitempty"`
	Record     Record               `json:"record,omitempty"`
	Snapshot   map[Namespace]Record `json:"snapshot,omitempty"`
	Namespaces []Namespace          `json:"namespaces,omitempty"`
	Error      string               `json:"error,omitempty"`
}

const messageSchemaURL = "relaystate://message.schema.json"

const messageSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["sync_request", "full_sync", "update_request", "update_ack", "state_update", "reset_request"]},
    "id": {"type": "string"},
    "instanceId": {"type": "string"},
    "namespace": {"type": "string", "minLength": 1},
    "patch": {"type": "object"},
    "record": {"type": "object"},
    "snapshot": {
      "type": "object",
      "additionalProperties": {"type": "object"}
    },
    "namespaces": {"type": "array", "items": {"type": "string"}},
    "error": {"type": "string"}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "full_sync"}}},
      "then": {"required": ["snapshot"]}
    },
    {
      "if": {"properties": {"type": {"const": "update_request"}}},
      "then": {"required": ["id", "namespace"]}
    },
    {
      "if": {"properties": {"type": {"const": "update_ack"}}},
      "then": {"required": ["id"]}
    },
    {
      "if": {"properties": {"type": {"const": "state_update"}}},
      "then": {"required": ["namespace", "record"]}
    }
  ]
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func messageValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(messageSchema)))
		if err != nil {
			schemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(messageSchemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = c.Compile(messageSchemaURL)
	})
	return compiledSchema, schemaErr
}

// EncodeMessage renders msg as a JSON envelope.
func EncodeMessage(msg Message) ([]byte, error) {
	var env envelope
	switch m := msg.(type) {
	case SyncRequest:
		env = envelope{Type: TypeSyncRequest, ID: m.ID}
	case FullSync:
		snap := m.Snapshot
		if snap == nil {
			snap = Snapshot{}
		}
		env = envelope{Type: TypeFullSync, ID: m.ID, InstanceID: m.InstanceID, Snapshot: snap}
	case UpdateRequest:
		patch := m.Patch
		if patch == nil {
			patch = Patch{}
		}
		env = envelope{Type: TypeUpdateRequest, ID: m.ID, Namespace: m.Namespace, Patch: patch}
	case UpdateAck:
		env = envelope{Type: TypeUpdateAck, ID: m.ID, Namespace: m.Namespace, Record: m.Record, Error: m.Error}
	case StateUpdate:
		env = envelope{Type: TypeStateUpdate, Namespace: m.Namespace, Record: m.Record, Patch: m.Patch}
	case ResetRequest:
		env = envelope{Type: TypeResetRequest, ID: m.ID, Namespaces: m.Namespaces}
	case nil:
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	default:
		return nil, fmt.Errorf("%w: unsupported message %T", ErrInvalidMessage, msg)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return data, nil
}

// DecodeMessage validates data against the message schema and returns the
// typed message. Namespace names are not checked here; receivers decide what
// to do with unknown namespaces.
func DecodeMessage(data []byte) (Message, error) {
	validator, err := messageValidator()
	if err != nil {
		return nil, fmt.Errorf("compile message schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := validator.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	switch env.Type {
	case TypeSyncRequest:
		return SyncRequest{ID: env.ID}, nil
	case TypeFullSync:
		return FullSync{ID: env.ID, InstanceID: env.InstanceID, Snapshot: Snapshot(env.Snapshot)}, nil
	case TypeUpdateRequest:
		return UpdateRequest{ID: env.ID, Namespace: env.Namespace, Patch: env.Patch}, nil
	case TypeUpdateAck:
		return UpdateAck{ID: env.ID, Namespace: env.Namespace, Record: env.Record, Error: env.Error}, nil
	case TypeStateUpdate:
		return StateUpdate{Namespace: env.Namespace, Record: env.Record, Patch: env.Patch}, nil
	case TypeResetRequest:
		return ResetRequest{ID: env.ID, Namespaces: env.Namespaces}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, env.Type)
	}
}

// roundTrip copies msg across an encode/decode boundary.
func roundTrip(msg Message) (Message, error) {
	data, err := EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	return DecodeMessage(data)
}
