package api

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"

	"github.com/kenneth/vault-transfer/internal/crypto"
	"github.com/kenneth/vault-transfer/internal/storage"
	"github.com/kenneth/vault-transfer/internal/vault"
)

// StatusClientClosedRequest is reported when the client went away before
// the transfer finished.
const StatusClientClosedRequest = 499

// APIError is an error response of the gateway.
type APIError struct {
	Code       string
	Message    string
	Resource   string
	RequestID  string
	HTTPStatus int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithResource returns a copy of e bound to a resource and request.
func (e *APIError) WithResource(resource, requestID string) *APIError {
	c := *e
	c.Resource = resource
	c.RequestID = requestID
	return &c
}

// WriteXML writes the error response in XML format. HEAD responses carry
// the status only.
func (e *APIError) WriteXML(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.WriteHeader(e.HTTPStatus)
		return
	}

	type ErrorResponse struct {
		XMLName   xml.Name `xml:"Error"`
		Code      string   `xml:"Code"`
		Message   string   `xml:"Message"`
		Resource  string   `xml:"Resource,omitempty"`
		RequestID string   `xml:"RequestId,omitempty"`
	}

	xmlData, err := xml.MarshalIndent(ErrorResponse{
		Code:      e.Code,
		Message:   e.Message,
		Resource:  e.Resource,
		RequestID: e.RequestID,
	}, "", "  ")
	if err != nil {
		http.Error(w, e.Message, e.HTTPStatus)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(e.HTTPStatus)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(xmlData)
}

// TranslateError maps transfer errors to gateway errors.
func TranslateError(err error, p storage.Path) *APIError {
	if err == nil {
		return nil
	}
	resource := p.String()

	var sizeErr *crypto.InvalidFileSizeError
	var integrityErr *crypto.IntegrityError
	switch {
	case errors.Is(err, vault.ErrVaultNotFound):
		return &APIError{
			Code:       "NoSuchVault",
			Message:    "The vault does not exist.",
			Resource:   resource,
			HTTPStatus: http.StatusNotFound,
		}
	case errors.Is(err, storage.ErrNotFound):
		return &APIError{
			Code:       "NoSuchKey",
			Message:    fmt.Sprintf("The specified key does not exist: %s", p.Key),
			Resource:   resource,
			HTTPStatus: http.StatusNotFound,
		}
	case errors.Is(err, vault.ErrLoginCanceled):
		return &APIError{
			Code:       "LoginCanceled",
			Message:    "Unlocking the vault was canceled.",
			Resource:   resource,
			HTTPStatus: http.StatusUnauthorized,
		}
	case errors.Is(err, crypto.ErrWrongPassphrase):
		return &APIError{
			Code:       "InvalidPassphrase",
			Message:    "The vault passphrase is wrong.",
			Resource:   resource,
			HTTPStatus: http.StatusForbidden,
		}
	case errors.Is(err, vault.ErrProtected):
		return &APIError{
			Code:       "AccessDenied",
			Message:    "Vault key files cannot be modified.",
			Resource:   resource,
			HTTPStatus: http.StatusForbidden,
		}
	case errors.As(err, &integrityErr):
		return &APIError{
			Code:       "IntegrityCheckFailed",
			Message:    fmt.Sprintf("Chunk %d failed authentication.", integrityErr.Chunk),
			Resource:   resource,
			HTTPStatus: http.StatusUnprocessableEntity,
		}
	case errors.Is(err, crypto.ErrAuthentication):
		return &APIError{
			Code:       "IntegrityCheckFailed",
			Message:    "The object failed authentication.",
			Resource:   resource,
			HTTPStatus: http.StatusUnprocessableEntity,
		}
	case errors.As(err, &sizeErr), errors.Is(err, crypto.ErrInvalidFileSize):
		return &APIError{
			Code:       "InvalidCiphertextSize",
			Message:    "The stored object is not a valid encrypted file.",
			Resource:   resource,
			HTTPStatus: http.StatusUnprocessableEntity,
		}
	case errors.Is(err, vault.ErrUnalignedOffset):
		return &APIError{
			Code:       "InvalidRange",
			Message:    "The offset is not aligned to an encryption chunk.",
			Resource:   resource,
			HTTPStatus: http.StatusRequestedRangeNotSatisfiable,
		}
	case errors.Is(err, context.Canceled):
		return &APIError{
			Code:       "RequestCanceled",
			Message:    "The request was canceled.",
			Resource:   resource,
			HTTPStatus: StatusClientClosedRequest,
		}
	case storage.IsTransient(err):
		return &APIError{
			Code:       "ServiceUnavailable",
			Message:    "The backend is temporarily unavailable. Please retry.",
			Resource:   resource,
			HTTPStatus: http.StatusServiceUnavailable,
		}
	}

	return &APIError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		Resource:   resource,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Predefined gateway errors
var (
	ErrInvalidRequest = &APIError{
		Code:       "InvalidRequest",
		Message:    "Invalid Request",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidRange = &APIError{
		Code:       "InvalidRange",
		Message:    "The requested range is not satisfiable.",
		HTTPStatus: http.StatusRequestedRangeNotSatisfiable,
	}
)
