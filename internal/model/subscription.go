package model

import (
	"encoding/json"
	"time"
)

// SubscriptionState is the server-side record of a subscription
type SubscriptionState struct {
	SubscriptionName                      string     `json:"SubscriptionName"`
	SubscriptionID                        int64      `json:"SubscriptionId"`
	Query                                 string     `json:"Query"`
	ChangeVectorForNextBatchStartingPoint string     `json:"ChangeVectorForNextBatchStartingPoint"`
	Disabled                              bool       `json:"Disabled"`
	Includes                              []string   `json:"Includes,omitempty"`
	Revisions                             bool       `json:"Revisions,omitempty"`
	MentorNode                            string     `json:"MentorNode,omitempty"`
	LastBatchAckTime                      *time.Time `json:"LastBatchAckTime,omitempty"`
	LastClientConnectionTime              *time.Time `json:"LastClientConnectionTime,omitempty"`
}

// SubscriptionCreationOptions describes a new subscription
type SubscriptionCreationOptions struct {
	Name         string `json:"Name,omitempty"`
	Query        string `json:"Query"`
	ChangeVector string `json:"ChangeVector,omitempty"`
	MentorNode   string `json:"MentorNode,omitempty"`
	Disabled     bool   `json:"Disabled,omitempty"`
	// Includes are document paths whose targets are sent along with each batch
	Includes []string `json:"Includes,omitempty"`
	// Revisions streams (previous, current) pairs instead of live documents
	Revisions bool `json:"Revisions,omitempty"`
}

// SubscriptionOpeningStrategy decides what happens when another worker holds the subscription
type SubscriptionOpeningStrategy string

const (
	SubscriptionOpenIfFree  SubscriptionOpeningStrategy = "OpenIfFree"
	SubscriptionTakeOver    SubscriptionOpeningStrategy = "TakeOver"
	SubscriptionWaitForFree SubscriptionOpeningStrategy = "WaitForFree"
)

// SubscriptionMessageType tags a frame on the subscription stream
type SubscriptionMessageType string

const (
	SubscriptionMessageConnect          SubscriptionMessageType = "Connect"
	SubscriptionMessageAcknowledge      SubscriptionMessageType = "Acknowledge"
	SubscriptionMessageConnectionStatus SubscriptionMessageType = "ConnectionStatus"
	SubscriptionMessageData             SubscriptionMessageType = "Data"
	SubscriptionMessageIncludes         SubscriptionMessageType = "Includes"
	SubscriptionMessageEndOfBatch       SubscriptionMessageType = "EndOfBatch"
	SubscriptionMessageConfirm          SubscriptionMessageType = "Confirm"
	SubscriptionMessageHeartbeat        SubscriptionMessageType = "Heartbeat"
	SubscriptionMessageError            SubscriptionMessageType = "Error"
)

// SubscriptionConnectionStatus is the server verdict on a connection attempt.
// Closed and NotFound may also arrive mid-stream when the connection is dropped.
type SubscriptionConnectionStatus string

const (
	SubscriptionStatusAccepted SubscriptionConnectionStatus = "Accepted"
	SubscriptionStatusRedirect SubscriptionConnectionStatus = "Redirect"
	SubscriptionStatusNotFound SubscriptionConnectionStatus = "NotFound"
	SubscriptionStatusInUse    SubscriptionConnectionStatus = "InUse"
	SubscriptionStatusClosed   SubscriptionConnectionStatus = "Closed"
	SubscriptionStatusInvalid  SubscriptionConnectionStatus = "Invalid"
)

// SubscriptionMessage is one frame of the subscription stream in either direction
type SubscriptionMessage struct {
	Type            SubscriptionMessageType      `json:"Type"`
	Name            string                       `json:"Name,omitempty"`
	Strategy        SubscriptionOpeningStrategy  `json:"Strategy,omitempty"`
	MaxDocsPerBatch int                          `json:"MaxDocsPerBatch,omitempty"`
	ChangeVector    string                       `json:"ChangeVector,omitempty"`
	Status          SubscriptionConnectionStatus `json:"Status,omitempty"`
	RedirectedTag   string                       `json:"RedirectedTag,omitempty"`
	Message         string                       `json:"Message,omitempty"`
	Data            json.RawMessage              `json:"Data,omitempty"`
	Previous        json.RawMessage              `json:"Previous,omitempty"`
	Includes        map[string]json.RawMessage   `json:"Includes,omitempty"`
}
