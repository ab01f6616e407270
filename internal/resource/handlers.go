// Package resource implements the GET file-serving and POST upload handlers.
package resource

import (
	"errors"
	"mime"
	"path"
	"strings"

	"github.com/FumingPower3925/wharf/internal/h1"
	"github.com/FumingPower3925/wharf/internal/security"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

const indexPath = "/index.html"

var dispositionEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// Handlers turns validated requests into responses.
type Handlers struct {
	store  Store
	logger *zap.Logger
	// NewName generates upload file names; GenerateName by default.
	NewName func() string
}

// NewHandlers creates handlers over the given store.
func NewHandlers(store Store, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{store: store, logger: logger, NewName: GenerateName}
}

// Get serves a file from the document root.
func (h *Handlers) Get(req *h1.Request) *h1.Response {
	p := req.Path
	if p == "/" {
		p = indexPath
	}

	if _, err := h.store.Stat(p); err != nil {
		return h.readError(p, err)
	}

	name := path.Base(p)
	category := CategoryOf(name)
	if category == Unsupported {
		return h1.ErrorResponse(415)
	}

	data, err := h.store.ReadFile(p)
	if err != nil {
		return h.readError(p, err)
	}

	resp := h1.NewResponse(200)
	if category == Inline {
		resp.SetHeader("Content-Type", "text/html")
	} else {
		resp.SetHeader("Content-Type", "application/octet-stream")
		resp.SetHeader("Content-Disposition", `attachment; filename="`+dispositionEscaper.Replace(name)+`"`)
	}
	resp.Body = data
	return resp
}

func (h *Handlers) readError(p string, err error) *h1.Response {
	switch {
	case errors.Is(err, security.ErrTraversal):
		return h1.ErrorResponse(403)
	case errors.Is(err, ErrNotFound):
		return h1.ErrorResponse(404)
	default:
		h.logger.Error("read failed", zap.String("path", p), zap.Error(err))
		return h1.ErrorResponse(500)
	}
}

type createdBody struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Filepath string `json:"filepath"`
}

// Post stores a JSON body as a new file in the uploads directory.
// The stored file holds exactly the bytes received.
func (h *Handlers) Post(req *h1.Request) *h1.Response {
	mediaType, _, err := mime.ParseMediaType(req.Header("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return h1.ErrorResponse(415)
	}
	if !json.Valid(req.Body) {
		return h1.ErrorResponse(400)
	}

	name := h.NewName()
	if err := h.store.WriteUpload(name, req.Body); err != nil {
		h.logger.Error("upload failed", zap.String("name", name), zap.Error(err))
		return h1.ErrorResponse(500)
	}

	location := h.store.UploadURL(name)
	body, err := json.Marshal(createdBody{
		Status:   "success",
		Message:  "File created successfully",
		Filepath: location,
	})
	if err != nil {
		return h1.ErrorResponse(500)
	}

	resp := h1.NewResponse(201)
	resp.SetHeader("Content-Type", "application/json")
	resp.SetHeader("Location", location)
	resp.Body = body
	return resp
}
