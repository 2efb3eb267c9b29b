// Package types provides type definitions for structured data used throughout the novel-creator system.
//
//nolint:revive // types is a standard Go package name pattern
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StageType identifies one of the five fixed pipeline stages
type StageType string

// Stage constants in pipeline order
const (
	StageIdea    StageType = "stage_1_idea"
	StageTitle   StageType = "stage_2_title"
	StageOutline StageType = "stage_3_outline"
	StageContent StageType = "stage_4_content"
	StageReview  StageType = "stage_5_review"
)

// StageSequence is the fixed, strictly increasing stage order
var StageSequence = []StageType{StageIdea, StageTitle, StageOutline, StageContent, StageReview}

// Index returns the 1-based position of the stage, or 0 for an unknown stage
func (s StageType) Index() int {
	for i, st := range StageSequence {
		if st == s {
			return i + 1
		}
	}
	return 0
}

// Valid reports whether s is one of the five known stages
func (s StageType) Valid() bool {
	return s.Index() > 0
}

// Next returns the stage following s. ok is false for the last stage.
func (s StageType) Next() (next StageType, ok bool) {
	idx := s.Index()
	if idx == 0 || idx >= len(StageSequence) {
		return "", false
	}
	return StageSequence[idx], true
}

// ParseStageType converts a raw string to a StageType
func ParseStageType(raw string) (StageType, error) {
	s := StageType(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage: %q", raw)
	}
	return s, nil
}

// StageRecordStatus is the status of a single stage execution attempt
type StageRecordStatus string

// StageRecordStatus constants
const (
	StageRecordPending    StageRecordStatus = "pending"
	StageRecordProcessing StageRecordStatus = "processing"
	StageRecordCompleted  StageRecordStatus = "completed"
	StageRecordFailed     StageRecordStatus = "failed"
	StageRecordSkipped    StageRecordStatus = "skipped"
)

// StageOperation distinguishes a first execution from a re-optimization
type StageOperation string

// StageOperation constants. Only execute attempts count toward retries.
const (
	OperationExecute         StageOperation = "execute"
	OperationOptimize        StageOperation = "optimize"
	OperationBatch           StageOperation = "batch"
	OperationStepwise        StageOperation = "stepwise"
	OperationOptimizeChapter StageOperation = "optimize_chapter"
)

// StageRecord is the audit record of one (task, stage) execution attempt.
// A record is immutable once completed; retries append new records.
type StageRecord struct {
	ID                 uuid.UUID         `json:"id"`
	TaskID             uuid.UUID         `json:"task_id"`
	StageType          StageType         `json:"stage_type"`
	Operation          StageOperation    `json:"operation"`
	Status             StageRecordStatus `json:"status"`
	Input              json.RawMessage   `json:"input,omitempty"`
	Output             json.RawMessage   `json:"output,omitempty"`
	PromptID           int64             `json:"prompt_id,omitempty"`
	CharactersConsumed int64             `json:"characters_consumed"`
	RetryCount         int               `json:"retry_count"`
	ErrorMessage       string            `json:"error_message,omitempty"`
	Interrupted        bool              `json:"interrupted,omitempty"`
	StartedAt          *time.Time        `json:"started_at,omitempty"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

// CountedFailures returns the number of failed, non-interrupted execute
// attempts for stage among records.
func CountedFailures(records []StageRecord, stage StageType) int {
	n := 0
	for _, r := range records {
		if r.StageType == stage && r.Operation == OperationExecute &&
			r.Status == StageRecordFailed && !r.Interrupted {
			n++
		}
	}
	return n
}
