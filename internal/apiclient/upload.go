package apiclient

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"path/filepath"
	"strings"
)

// Categories lists the document categories the service files uploads under.
var Categories = []string{
	"Invoices",
	"Reports",
	"Contracts",
	"Statements",
	"Receipts",
	"Tax Documents",
	"Other",
}

// AcceptedExtensions lists the document types the service ingests.
var AcceptedExtensions = []string{".pdf", ".docx", ".xlsx", ".csv", ".txt"}

// ValidateUpload rejects files the service would not accept before any bytes are sent.
func ValidateUpload(filename, category string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if !contains(AcceptedExtensions, ext) {
		return fmt.Errorf("%w: unsupported file type %q (accepted: %s)", ErrInvalidUpload, ext, strings.Join(AcceptedExtensions, " "))
	}
	if !contains(Categories, category) {
		return fmt.Errorf("%w: unknown category %q (choose one of: %s)", ErrInvalidUpload, category, strings.Join(Categories, ", "))
	}
	return nil
}

// NormalizeCategory matches a category case-insensitively, so "tax documents" works on the command line.
func NormalizeCategory(category string) string {
	category = strings.TrimSpace(category)
	for _, c := range Categories {
		if strings.EqualFold(c, category) {
			return c
		}
	}
	return category
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

type formFile struct {
	field       string
	filename    string
	contentType string
	r           io.Reader
}

// multipartBody buffers a form so the request can be replayed on retry.
func multipartBody(fields map[string]string, file formFile) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, file.field, filepath.Base(file.filename)))
	ct := file.contentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, file.r); err != nil {
		return nil, "", fmt.Errorf("read %s: %w", file.filename, err)
	}

	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("write form field %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func contentTypeForDocument(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".csv":
		return "text/csv"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
