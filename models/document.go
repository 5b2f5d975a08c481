package models

import (
	"context"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/ge_backend/config"
	"bitbucket.org/mmdatafocus/ge_backend/utils"
)

type DocumentKind string

const (
	DocumentKindQuote      DocumentKind = "quote"
	DocumentKindSupporting DocumentKind = "supporting"
)

// Document is attachment metadata; the file itself lives in the document store.
type Document struct {
	ID            int          `gorm:"primary_key" json:"id"`
	ReferenceType string       `gorm:"size:50;index:idx_document_reference,priority:1" json:"reference_type"`
	ReferenceID   int          `gorm:"index:idx_document_reference,priority:2" json:"reference_id"`
	Kind          DocumentKind `gorm:"size:20;not null" json:"kind"`
	DocumentUrl   string       `gorm:"size:1024;not null" json:"document_url"`
	FileName      string       `gorm:"size:255" json:"file_name"`
	UploadedBy    int          `json:"uploaded_by"`
	CreatedAt     time.Time    `gorm:"autoCreateTime" json:"created_at"`
}

type NewDocument struct {
	Kind        DocumentKind `json:"kind" validate:"required,oneof=quote supporting"`
	DocumentUrl string       `json:"document_url" validate:"required,max=1024"`
	FileName    string       `json:"file_name" validate:"max=255"`
}

// documentExists is swapped in tests; production checks the GCS bucket.
var documentExists = utils.DocumentExistsInGCS

func (input *NewDocument) validate(ctx context.Context) error {
	input.DocumentUrl = strings.TrimSpace(input.DocumentUrl)
	if err := utils.ValidateStruct(input); err != nil {
		return toValidationError(err)
	}
	if !config.VerifyDocumentUploads() {
		return nil
	}
	ok, err := documentExists(ctx, input.DocumentUrl)
	if err != nil {
		config.LogError(config.GetLogger(), "Document", "validate", "checking document existence", input.DocumentUrl, err)
		return newValidationError("document_url", "document could not be verified")
	}
	if !ok {
		return newValidationError("document_url", "document does not exist")
	}
	return nil
}

func countDocuments(docs []Document, kind DocumentKind) int {
	n := 0
	for _, d := range docs {
		if d.Kind == kind {
			n++
		}
	}
	return n
}
