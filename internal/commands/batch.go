package commands

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/transport"
)

// CommandType names a batch command
type CommandType string

const (
	CommandPut                   CommandType = "PUT"
	CommandDelete                CommandType = "DELETE"
	CommandPatch                 CommandType = "PATCH"
	CommandCompareExchangePut    CommandType = "CompareExchangePUT"
	CommandCompareExchangeDelete CommandType = "CompareExchangeDELETE"
)

// CommandData is one entry of a batch
type CommandData struct {
	ID           string          `json:"Id,omitempty"`
	Type         CommandType     `json:"Type"`
	ChangeVector *string         `json:"ChangeVector,omitempty"`
	Document     json.RawMessage `json:"Document,omitempty"`
	Patch        json.RawMessage `json:"Patch,omitempty"`
	Key          string          `json:"Key,omitempty"`
	Index        *int64          `json:"Index,omitempty"`
}

// PutCommand stores a document
func PutCommand(id string, changeVector *string, document json.RawMessage) CommandData {
	return CommandData{ID: id, Type: CommandPut, ChangeVector: changeVector, Document: document}
}

// DeleteCommand deletes a document
func DeleteCommand(id string, changeVector *string) CommandData {
	return CommandData{ID: id, Type: CommandDelete, ChangeVector: changeVector}
}

// PatchCommand applies an RFC 6902 patch to a document
func PatchCommand(id string, changeVector *string, patch json.RawMessage) CommandData {
	return CommandData{ID: id, Type: CommandPatch, ChangeVector: changeVector, Patch: patch}
}

// PutCompareExchangeCommand sets a compare exchange value if its index matches
func PutCompareExchangeCommand(key string, index int64, value json.RawMessage) CommandData {
	return CommandData{Key: key, Type: CommandCompareExchangePut, Index: &index, Document: value}
}

// DeleteCompareExchangeCommand removes a compare exchange value if its index matches
func DeleteCompareExchangeCommand(key string, index int64) CommandData {
	return CommandData{Key: key, Type: CommandCompareExchangeDelete, Index: &index}
}

// BatchResultItem is the server reply for one batch entry
type BatchResultItem struct {
	Type             CommandType     `json:"Type"`
	ID               string          `json:"@id,omitempty"`
	Collection       string          `json:"@collection,omitempty"`
	ChangeVector     string          `json:"@change-vector,omitempty"`
	LastModified     string          `json:"@last-modified,omitempty"`
	Deleted          bool            `json:"Deleted,omitempty"`
	PatchStatus      string          `json:"PatchStatus,omitempty"`
	ModifiedDocument json.RawMessage `json:"ModifiedDocument,omitempty"`
	Key              string          `json:"Key,omitempty"`
	Index            int64           `json:"Index,omitempty"`
}

// BatchResult is the server reply for a batch
type BatchResult struct {
	Results          []BatchResultItem `json:"Results"`
	TransactionIndex int64             `json:"TransactionIndex,omitempty"`
}

type batchRequest struct {
	Commands        []CommandData         `json:"Commands"`
	TransactionMode model.TransactionMode `json:"TransactionMode"`
}

// Batch sends a set of commands applied by the server in order, atomically
type Batch struct {
	Commands        []CommandData
	TransactionMode model.TransactionMode
	Result          *BatchResult
}

// NewBatch creates the command
func NewBatch(cmds []CommandData, mode model.TransactionMode) *Batch {
	if mode == "" {
		mode = model.TransactionModeSingleNode
	}
	return &Batch{Commands: cmds, TransactionMode: mode}
}

func (c *Batch) Name() string { return "Batch" }

func (c *Batch) Options() Options {
	return Options{Structural: true}
}

func (c *Batch) CreateRequest(ctx context.Context, node *model.ServerNode) (*transport.Request, error) {
	return newRequest(http.MethodPost, DatabaseURL(node, "/bulk_docs", nil), batchRequest{
		Commands:        c.Commands,
		TransactionMode: c.TransactionMode,
	})
}

func (c *Batch) SetResponse(ctx context.Context, body []byte, fromCache bool) error {
	var r BatchResult
	if err := decode(body, &r, "batch"); err != nil {
		return err
	}
	c.Result = &r
	return nil
}
