package blob

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestUpload_Success(t *testing.T) {
	var allocateReq allocateRequest
	signed := &mockDoer{doFunc: func(req *http.Request) (*http.Response, error) {
		if req.Method != http.MethodPost {
			t.Errorf("allocate method = %s, want POST", req.Method)
		}
		if !strings.HasSuffix(req.URL.Path, "/storage/allocate") {
			t.Errorf("allocate path = %s", req.URL.Path)
		}
		if err := json.NewDecoder(req.Body).Decode(&allocateReq); err != nil {
			t.Fatalf("decode allocate request: %v", err)
		}
		return httpResponse(http.StatusOK, `{"blobId":"blob-123","url":"https://s3.example/presigned"}`), nil
	}}

	var putBody string
	var putContentType string
	plain := &mockDoer{doFunc: func(req *http.Request) (*http.Response, error) {
		if req.Method != http.MethodPut {
			t.Errorf("put method = %s, want PUT", req.Method)
		}
		b, _ := io.ReadAll(req.Body)
		putBody = string(b)
		putContentType = req.Header.Get("Content-Type")
		return httpResponse(http.StatusOK, ""), nil
	}}

	c := NewPresignedUploadClient("https://vault.example", signed, plain)
	blobID, n, err := c.Upload(context.Background(), "tenant-1", "report.pdf", "application/pdf", strings.NewReader("%PDF-bytes"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if blobID != "blob-123" {
		t.Errorf("blobID = %q", blobID)
	}
	if n != int64(len("%PDF-bytes")) {
		t.Errorf("bytes = %d", n)
	}
	if putBody != "%PDF-bytes" {
		t.Errorf("put body = %q", putBody)
	}
	if putContentType != "application/pdf" {
		t.Errorf("put content-type = %q", putContentType)
	}
	if allocateReq.TenantID != "tenant-1" || allocateReq.Filename != "report.pdf" {
		t.Errorf("allocate request = %+v", allocateReq)
	}
}

func TestUpload_AllocateServerError(t *testing.T) {
	signed := &mockDoer{doFunc: func(req *http.Request) (*http.Response, error) {
		return httpResponse(http.StatusInternalServerError, ""), nil
	}}
	plain := &mockDoer{doFunc: func(req *http.Request) (*http.Response, error) {
		t.Fatal("presigned PUT should not run when allocate fails")
		return nil, nil
	}}

	c := NewPresignedUploadClient("https://vault.example", signed, plain)
	_, _, err := c.Upload(context.Background(), "tenant-1", "a.pdf", "application/pdf", strings.NewReader("x"))
	if !errors.Is(err, ErrServerFail) {
		t.Errorf("error = %v, want ErrServerFail", err)
	}
}

func TestUpload_AllocateRejected(t *testing.T) {
	signed := &mockDoer{doFunc: func(req *http.Request) (*http.Response, error) {
		return httpResponse(http.StatusBadRequest, ""), nil
	}}
	c := NewPresignedUploadClient("https://vault.example", signed, nil)
	_, _, err := c.Upload(context.Background(), "tenant-1", "a.pdf", "application/pdf", strings.NewReader("x"))
	if !errors.Is(err, ErrInvalidArguments) {
		t.Errorf("error = %v, want ErrInvalidArguments", err)
	}
}

func TestUpload_AllocateResponseMissingFields(t *testing.T) {
	signed := &mockDoer{doFunc: func(req *http.Request) (*http.Response, error) {
		return httpResponse(http.StatusOK, `{"blobId":"","url":""}`), nil
	}}
	c := NewPresignedUploadClient("https://vault.example", signed, nil)
	_, _, err := c.Upload(context.Background(), "tenant-1", "a.pdf", "application/pdf", strings.NewReader("x"))
	if !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("error = %v, want ErrInvalidResponse", err)
	}
}

func TestUpload_PresignedPutFails(t *testing.T) {
	signed := &mockDoer{doFunc: func(req *http.Request) (*http.Response, error) {
		return httpResponse(http.StatusOK, `{"blobId":"blob-1","url":"https://s3.example/p"}`), nil
	}}
	plain := &mockDoer{doFunc: func(req *http.Request) (*http.Response, error) {
		return httpResponse(http.StatusForbidden, ""), nil
	}}
	c := NewPresignedUploadClient("https://vault.example", signed, plain)
	_, _, err := c.Upload(context.Background(), "tenant-1", "a.pdf", "application/pdf", strings.NewReader("x"))
	if !errors.Is(err, ErrServerFail) {
		t.Errorf("error = %v, want ErrServerFail", err)
	}
}
