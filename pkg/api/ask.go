package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/go-go-golems/gaiachat/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	StyleSimple     = "simple"
	StyleStructured = "structured"
)

// File is one attachment of a buffered request.
type File struct {
	Name string
	MIME string
	Data []byte
}

type AskRequest struct {
	Model        string
	ModelVersion string
	Message      string
	History      []conversation.Turn
	ChatID       string
	// Style is only sent with attachments.
	Style string
	Files []File
}

type askBody struct {
	Model        string              `json:"model"`
	ModelVersion string              `json:"model_version,omitempty"`
	Message      string              `json:"message"`
	History      []conversation.Turn `json:"history"`
	ChatID       string              `json:"chatId,omitempty"`
}

type AskResponse struct {
	OK      *bool               `json:"ok"`
	Reply   string              `json:"reply"`
	Model   string              `json:"model"`
	Usage   *conversation.Usage `json:"usage,omitempty"`
	SQL     string              `json:"sql,omitempty"`
	Error   string              `json:"error,omitempty"`
	Message string              `json:"message,omitempty"`
}

func (r *AskRequest) history() []conversation.Turn {
	if r.History == nil {
		return []conversation.Turn{}
	}
	return r.History
}

func (r *AskRequest) jsonBody() (*bytes.Buffer, string, error) {
	b, err := json.Marshal(askBody{
		Model:        r.Model,
		ModelVersion: r.ModelVersion,
		Message:      r.Message,
		History:      r.history(),
		ChatID:       r.ChatID,
	})
	if err != nil {
		return nil, "", errors.Wrap(err, "could not serialize request")
	}
	return bytes.NewBuffer(b), "application/json", nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func (r *AskRequest) multipartBody() (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	history, err := json.Marshal(r.history())
	if err != nil {
		return nil, "", errors.Wrap(err, "could not serialize history")
	}
	style := r.Style
	if style == "" {
		style = StyleSimple
	}
	fields := [][2]string{
		{"model", r.Model},
		{"model_version", r.ModelVersion},
		{"message", r.Message},
		{"history", string(history)},
		{"chatId", r.ChatID},
		{"style", style},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", errors.Wrapf(err, "could not write field %s", f[0])
		}
	}

	for _, f := range r.Files {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="files[]"; filename="%s"`, quoteEscaper.Replace(f.Name)))
		mime := f.MIME
		if mime == "" {
			mime = "application/octet-stream"
		}
		h.Set("Content-Type", mime)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", errors.Wrapf(err, "could not add file %s", f.Name)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", errors.Wrapf(err, "could not write file %s", f.Name)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", errors.Wrap(err, "could not finish multipart body")
	}
	return buf, w.FormDataContentType(), nil
}

// Ask posts one user turn to the buffered endpoint. The request is multipart
// iff files are attached.
//
// A body that is not JSON yields a *ProtocolError and an {ok:false} answer an
// *ApplicationError. Cancellation returns ctx.Err() unwrapped.
func (c *Client) Ask(ctx context.Context, r *AskRequest) (*AskResponse, error) {
	var (
		body        *bytes.Buffer
		contentType string
		err         error
	)
	if len(r.Files) > 0 {
		body, contentType, err = r.multipartBody()
	} else {
		body, contentType, err = r.jsonBody()
	}
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/ask", nil), body)
	if err != nil {
		return nil, errors.Wrap(err, "could not create request")
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	log.Debug().
		Str("model", r.Model).
		Str("model_version", r.ModelVersion).
		Str("chat_id", r.ChatID).
		Int("history", len(r.History)).
		Int("files", len(r.Files)).
		Msg("asking")

	resp, raw, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}

	var ret AskResponse
	if err := decodeEnvelope(resp, raw, &ret); err != nil {
		return nil, err
	}
	if ret.OK != nil && !*ret.OK {
		msg := firstNonEmpty(ret.Error, ret.Message, ret.Reply, "request failed")
		return nil, &ApplicationError{StatusCode: resp.StatusCode, Message: msg}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		if msg := firstNonEmpty(ret.Error, ret.Message); msg != "" {
			return nil, &ApplicationError{StatusCode: resp.StatusCode, Message: msg}
		}
		return nil, newProtocolError(resp.StatusCode, raw)
	}
	return &ret, nil
}
