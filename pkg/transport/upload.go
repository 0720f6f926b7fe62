package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/muawin/muawin/pkg/models"
	"github.com/muawin/muawin/pkg/pathcodec"
	"github.com/muawin/muawin/pkg/protocol"
)

var errUploadDone = errors.New("upload finished")

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// Upload sends f to scope as a multipart form and returns the record the
// server stored. Percentages of file bytes sent are offered on progress
// without blocking; progress is never closed and may be nil. Upload does
// not retry and does not send on progress after it returns.
func (c *Client) Upload(ctx context.Context, scope pathcodec.Scope, f models.LocalFile, progress chan<- int) (models.ConfirmedFile, error) {
	if _, ok := c.session.Token(); !ok {
		return models.ConfirmedFile{}, ErrAuthRequired
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	written := make(chan struct{})
	go func() {
		defer close(written)
		pw.CloseWithError(writeForm(mw, f, progress))
	}()
	// Unblocks the writer if the request ends early, then waits for it so
	// no progress send outlives this call.
	finish := func() {
		pr.CloseWithError(errUploadDone)
		<-written
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+pathcodec.ListURLPath(scope), pr)
	if err != nil {
		finish()
		return models.ConfirmedFile{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	if err := c.applyAuth(req); err != nil {
		finish()
		return models.ConfirmedFile{}, err
	}

	resp, err := c.transfer.Do(req)
	finish()
	if err != nil {
		return models.ConfirmedFile{}, fmt.Errorf("upload %s: %w", f.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return models.ConfirmedFile{}, statusError("upload", resp)
	}

	var rec models.ConfirmedFile
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return models.ConfirmedFile{}, fmt.Errorf("decode upload response: %w", err)
	}
	return rec, nil
}

func writeForm(mw *multipart.Writer, f models.LocalFile, progress chan<- int) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		protocol.UploadField, quoteEscaper.Replace(f.Name)))
	ct := f.MIMEType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)

	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()

	src := io.Reader(rc)
	if progress != nil && f.Size > 0 {
		src = &uploadCounter{r: rc, total: f.Size, ch: progress, last: -1}
	}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	return mw.Close()
}

// uploadCounter offers a percentage each time it grows.
type uploadCounter struct {
	r     io.Reader
	done  int64
	total int64
	last  int
	ch    chan<- int
}

func (u *uploadCounter) Read(p []byte) (int, error) {
	n, err := u.r.Read(p)
	if n > 0 {
		u.done += int64(n)
		pct := int(u.done * 100 / u.total)
		if pct > 100 {
			pct = 100
		}
		if pct > u.last {
			u.last = pct
			select {
			case u.ch <- pct:
			default:
			}
		}
	}
	return n, err
}
