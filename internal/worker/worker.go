package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/andresmejia3/facetag/internal/errs"
	"github.com/andresmejia3/facetag/internal/types"
	"github.com/andresmejia3/facetag/internal/utils" // Using the SafeCommand wrapper
)

const (
	modeDetect = "detect"
	modeEmbed  = "embed"

	statusOK    byte = 0
	statusError byte = 1

	// maxFrame guards against a corrupt length header allocating gigabytes
	maxFrame = 64 * 1024 * 1024
)

// Config describes how to launch a Python model worker.
type Config struct {
	Python             string
	Script             string
	Model              string
	DetectionThreshold float64
}

// Face is one detector hit in source-image pixels.
type Face struct {
	Box        types.BoundingBox
	Confidence float64
}

// PythonWorker talks to one model process. Requests go over stdin, responses
// come back on a dedicated pipe (FD 3) so Python logging on stdout/stderr can
// never corrupt the stream.
type PythonWorker struct {
	ID       int
	Mode     string
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu sync.Mutex // one request in flight per process
}

// NewDetectWorker starts a face detection process and waits for its model to load.
func NewDetectWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	return newPythonWorker(ctx, id, modeDetect, cfg)
}

// NewEmbedWorker starts an embedding process and waits for its model to load.
func NewEmbedWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	return newPythonWorker(ctx, id, modeEmbed, cfg)
}

func newPythonWorker(ctx context.Context, id int, mode string, cfg Config) (*PythonWorker, error) {
	args := []string{"-u", cfg.Script, "--mode", mode, "--model", cfg.Model}
	if mode == modeDetect {
		args = append(args, "--threshold", strconv.FormatFloat(cfg.DetectionThreshold, 'f', -1, 64))
	}
	py := utils.NewSafeCommand(ctx, cfg.Python, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeCollaboratorInit, "creating data pipe")
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, errs.Wrap(err, errs.CodeCollaboratorInit, "creating stdin pipe")
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, errs.Wrapf(err, errs.CodeCollaboratorInit, "starting %s worker %d", mode, id)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	pw := &PythonWorker{
		ID:       id,
		Mode:     mode,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}

	// The worker announces a loaded model with one empty OK frame
	if err := pw.handshake(); err != nil {
		pw.Close()
		return nil, errs.Wrap(err, errs.CodeCollaboratorInit, "waiting for model to load",
			errs.Field("mode", mode), errs.Field("worker", id), errs.Field("stderr", py.Stderr.String()))
	}
	return pw, nil
}

func (w *PythonWorker) handshake() error {
	body, err := w.readFrame()
	if err != nil {
		return err // This is where we catch the "ModuleNotFoundError" crash
	}
	_, err = decodeStatus(body)
	return err
}

// Communicate sends one request frame and returns the raw response body.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}
	return w.readFrame()
}

func (w *PythonWorker) readFrame() ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxFrame {
		return nil, fmt.Errorf("response frame of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// decodeStatus strips the status byte. Status 1 carries [MsgLen][Msg].
func decodeStatus(body []byte) (*bytes.Reader, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty response from python worker")
	}
	r := bytes.NewReader(body[1:])
	switch body[0] {
	case statusOK:
		return r, nil
	case statusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("reading error length: %w", err)
		}
		if int(msgLen) > r.Len() {
			return nil, fmt.Errorf("error message truncated")
		}
		msg := make([]byte, msgLen)
		_, _ = io.ReadFull(r, msg)
		return nil, fmt.Errorf("python worker error: %s", msg)
	default:
		return nil, fmt.Errorf("unknown status byte %d", body[0])
	}
}

// Detect runs the detector over img.
// Protocol: [Status:0] [NumFaces] then NumFaces x ([4]int32 x,y,w,h + float32 confidence)
func (w *PythonWorker) Detect(ctx context.Context, img image.Image) ([]Face, error) {
	body, err := w.call(ctx, img)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeCollaboratorCall, "detecting faces", errs.Field("worker", w.ID))
	}

	r, err := decodeStatus(body)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeCollaboratorCall, "detecting faces", errs.Field("worker", w.ID))
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, errs.Wrap(err, errs.CodeCollaboratorCall, "reading face count")
	}
	// 20 bytes per face on the wire
	if int(n)*20 > r.Len() {
		return nil, errs.Errorf(errs.CodeCollaboratorCall, "response declares %d faces but holds %d bytes", n, r.Len())
	}

	faces := make([]Face, 0, n)
	for i := uint32(0); i < n; i++ {
		var raw struct {
			Box        [4]int32
			Confidence float32
		}
		if err := binary.Read(r, binary.BigEndian, &raw); err != nil {
			return nil, errs.Wrap(err, errs.CodeCollaboratorCall, "reading face")
		}
		faces = append(faces, Face{
			Box: types.BoundingBox{
				X:      int(raw.Box[0]),
				Y:      int(raw.Box[1]),
				Width:  int(raw.Box[2]),
				Height: int(raw.Box[3]),
			},
			Confidence: float64(raw.Confidence),
		})
	}
	return faces, nil
}

// Embed turns a face crop into a vector.
// Protocol: [Status:0] [Dim] then Dim x float32
func (w *PythonWorker) Embed(ctx context.Context, crop image.Image) ([]float32, error) {
	body, err := w.call(ctx, crop)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeCollaboratorEmbed, "generating embedding", errs.Field("worker", w.ID))
	}

	r, err := decodeStatus(body)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeCollaboratorEmbed, "generating embedding", errs.Field("worker", w.ID))
	}

	var dim uint32
	if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
		return nil, errs.Wrap(err, errs.CodeCollaboratorEmbed, "reading embedding size")
	}
	if int(dim)*4 != r.Len() {
		return nil, errs.Errorf(errs.CodeCollaboratorEmbed, "embedding declares %d values but holds %d bytes", dim, r.Len())
	}

	vec := make([]float32, dim)
	if err := binary.Read(r, binary.BigEndian, vec); err != nil {
		return nil, errs.Wrap(err, errs.CodeCollaboratorEmbed, "reading embedding")
	}
	return vec, nil
}

func (w *PythonWorker) call(ctx context.Context, img image.Image) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding png: %w", err)
	}
	return w.Communicate(buf.Bytes())
}

func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}

// Pool hands embed requests to whichever worker is idle.
type Pool struct {
	idle    chan *PythonWorker
	workers []*PythonWorker
}

// NewEmbedPool starts n embedding workers. If any fails, the ones already
// running are shut down.
func NewEmbedPool(ctx context.Context, n int, cfg Config) (*Pool, error) {
	if n < 1 {
		n = 1
	}
	var workers []*PythonWorker
	for i := 0; i < n; i++ {
		w, err := NewEmbedWorker(ctx, i, cfg)
		if err != nil {
			for _, started := range workers {
				started.Close()
			}
			return nil, err
		}
		workers = append(workers, w)
	}
	return newPool(workers), nil
}

func newPool(workers []*PythonWorker) *Pool {
	p := &Pool{idle: make(chan *PythonWorker, len(workers)), workers: workers}
	for _, w := range workers {
		p.idle <- w
	}
	return p
}

func (p *Pool) Size() int {
	return len(p.workers)
}

// Embed blocks until a worker is free or ctx is done.
func (p *Pool) Embed(ctx context.Context, crop image.Image) ([]float32, error) {
	select {
	case w := <-p.idle:
		defer func() { p.idle <- w }()
		return w.Embed(ctx, crop)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) Close() {
	for _, w := range p.workers {
		w.Close()
	}
}
