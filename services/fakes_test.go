package services

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/Yulian302/lfusys-services-migrator/apperror"
	"github.com/Yulian302/lfusys-services-migrator/models"
	"github.com/Yulian302/lfusys-services-migrator/store"
)

type ready struct{}

func (ready) IsReady(context.Context) error { return nil }
func (ready) Name() string                  { return "fake" }

type fakeGuards struct {
	ready
	mu       sync.Mutex
	held     map[string]models.DispatchGuard
	released []string
	err      error
}

func newFakeGuards() *fakeGuards {
	return &fakeGuards{held: map[string]models.DispatchGuard{}}
}

func (f *fakeGuards) Acquire(_ context.Context, g models.DispatchGuard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if _, ok := f.held[g.URI]; ok {
		return apperror.ErrAlreadyDispatched
	}
	f.held[g.URI] = g
	return nil
}

func (f *fakeGuards) Release(_ context.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, uri)
	f.released = append(f.released, uri)
	return nil
}

type fakeResults struct {
	ready
	mu        sync.Mutex
	rows      map[string]models.DirectStreamResult
	creates   int
	createErr error
}

func newFakeResults() *fakeResults {
	return &fakeResults{rows: map[string]models.DirectStreamResult{}}
}

func (f *fakeResults) CreateResult(_ context.Context, r models.DirectStreamResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.creates++
	f.rows[r.ID] = r
	return nil
}

func (f *fakeResults) MarkComplete(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok {
		return apperror.ErrTaskNotFound
	}
	r.Complete = models.FlagYes
	r.CompleteTime = models.Millis(at)
	f.rows[id] = r
	return nil
}

func (f *fakeResults) ListIncomplete(_ context.Context, before time.Time) ([]models.DirectStreamResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.DirectStreamResult
	for _, r := range f.rows {
		if r.Complete == models.FlagNo && r.DispatchedAt < models.Millis(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeResults) get(id string) models.DirectStreamResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id]
}

type fakeTasks struct {
	ready
	mu   sync.Mutex
	rows map[string]models.DirectStreamTask
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{rows: map[string]models.DirectStreamTask{}}
}

func (f *fakeTasks) PutTask(_ context.Context, t models.DirectStreamTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[t.ID] = t
	return nil
}

func (f *fakeTasks) GetTask(_ context.Context, id string) (*models.DirectStreamTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.rows[id]
	if !ok {
		return nil, apperror.ErrTaskNotFound
	}
	return &t, nil
}

func (f *fakeTasks) DeleteTask(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

func (f *fakeTasks) ListStale(_ context.Context, before time.Time) ([]models.DirectStreamTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.DirectStreamTask
	for _, t := range f.rows {
		if t.StartTime < models.Millis(before) {
			out = append(out, t)
		}
	}
	return out, nil
}

// fakeSessions applies the same conditions as the DynamoDB expressions.
type fakeSessions struct {
	ready
	mu        sync.Mutex
	rows      map[string]models.ChunkSession
	creates   int
	createErr error
	// createLands stores the row before returning createErr.
	createLands bool
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{rows: map[string]models.ChunkSession{}}
}

func (f *fakeSessions) CreateSession(_ context.Context, s models.ChunkSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		if f.createLands {
			f.rows[s.UploadID] = s
		}
		return f.createErr
	}
	if _, ok := f.rows[s.UploadID]; ok {
		return fmt.Errorf("session %s exists", s.UploadID)
	}
	f.creates++
	f.rows[s.UploadID] = s
	return nil
}

func (f *fakeSessions) GetSession(_ context.Context, id string) (*models.ChunkSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[id]
	if !ok {
		return nil, apperror.ErrSessionNotFound
	}
	return &s, nil
}

func (f *fakeSessions) UpdatePartCount(_ context.Context, id string, count int32, at time.Time) (*models.ChunkSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[id]
	if !ok || s.Complete != models.FlagNo || s.PartQty < count || s.PartCount > count {
		return nil, apperror.ErrConditionFailed
	}
	s.PartCount = count
	s.UpdatedAt = models.Millis(at)
	f.rows[id] = s
	return &s, nil
}

func (f *fakeSessions) ClaimCompletion(_ context.Context, id string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[id]
	if !ok || s.Complete != models.FlagNo || s.PartCount != s.PartQty {
		return false, nil
	}
	s.Complete = models.FlagYes
	s.CompleteTime = models.Millis(at)
	f.rows[id] = s
	return true, nil
}

func (f *fakeSessions) ReleaseCompletion(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[id]
	if !ok || s.Complete != models.FlagYes {
		return apperror.ErrConditionFailed
	}
	s.Complete = models.FlagNo
	s.CompleteTime = 0
	s.UpdatedAt = models.Millis(at)
	f.rows[id] = s
	return nil
}

func (f *fakeSessions) ListIncomplete(context.Context) ([]models.ChunkSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ChunkSession
	for _, s := range f.rows {
		if s.Complete == models.FlagNo {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSessions) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[id]; !ok {
		return apperror.ErrSessionNotFound
	}
	delete(f.rows, id)
	return nil
}

func (f *fakeSessions) get(id string) models.ChunkSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id]
}

type partKey struct {
	uploadID string
	part     int32
}

type fakeParts struct {
	ready
	mu   sync.Mutex
	rows map[partKey]models.ChunkPart
	// failDeletes fails that many DeletePart calls before succeeding.
	failDeletes int
}

func newFakeParts() *fakeParts {
	return &fakeParts{rows: map[partKey]models.ChunkPart{}}
}

func (f *fakeParts) PutPart(_ context.Context, p models.ChunkPart) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[partKey{p.UploadID, p.Part}] = p
	return nil
}

func (f *fakeParts) CompletePart(_ context.Context, id string, part int32, etag string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := partKey{id, part}
	p, ok := f.rows[k]
	if !ok {
		return apperror.ErrConditionFailed
	}
	p.PartComplete = models.FlagYes
	p.ETag = etag
	p.FinishTime = models.Millis(at)
	f.rows[k] = p
	return nil
}

func (f *fakeParts) CountComplete(_ context.Context, id string) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int32
	for k, p := range f.rows {
		if k.uploadID == id && p.PartComplete.Done() {
			n++
		}
	}
	return n, nil
}

func (f *fakeParts) ListParts(_ context.Context, id string) ([]models.ChunkPart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ChunkPart
	for k, p := range f.rows {
		if k.uploadID == id {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Part < out[j].Part })
	return out, nil
}

func (f *fakeParts) ListStartedBefore(_ context.Context, before time.Time) ([]models.ChunkPart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ChunkPart
	for _, p := range f.rows {
		if p.StartTime < models.Millis(before) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeParts) DeletePart(_ context.Context, id string, part int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDeletes > 0 {
		f.failDeletes--
		return fmt.Errorf("throttled")
	}
	delete(f.rows, partKey{id, part})
	return nil
}

func (f *fakeParts) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k := range f.rows {
		if k.uploadID == id {
			n++
		}
	}
	return n
}

type fakeSource struct {
	objects map[string][]byte
	types   map[string]string
	// truncate makes range reads return fewer bytes than asked.
	truncate bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeSource) add(key, contentType string, data []byte) {
	f.objects[key] = data
	f.types[key] = contentType
}

func (f *fakeSource) Stat(_ context.Context, _ string, key string) (store.ObjectInfo, error) {
	data, ok := f.objects[key]
	if !ok {
		return store.ObjectInfo{}, store.ErrObjectNotFound
	}
	return store.ObjectInfo{Size: int64(len(data)), ContentType: f.types[key]}, nil
}

func (f *fakeSource) NewReader(_ context.Context, _ string, key string) (io.ReadCloser, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, store.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeSource) NewRangeReader(_ context.Context, _ string, key string, offset, length int64) (io.ReadCloser, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, store.ErrObjectNotFound
	}
	end := min(offset+length, int64(len(data)))
	if f.truncate {
		end--
	}
	return io.NopCloser(bytes.NewReader(data[offset:end])), nil
}

type fakeDestination struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploads   map[string]map[int32][]byte
	uploadKey map[string]string
	aborted   []string
	completes int
	next      int

	createErr   error
	completeErr error
}

func newFakeDestination() *fakeDestination {
	return &fakeDestination{
		objects:   map[string][]byte{},
		uploads:   map[string]map[int32][]byte{},
		uploadKey: map[string]string{},
	}
}

func etagOf(b []byte) string {
	sum := md5.Sum(b)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func (f *fakeDestination) PutObject(_ context.Context, _ string, key string, body io.Reader, size int64, _ string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("content length mismatch: %d != %d", len(data), size)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeDestination) ObjectExists(_ context.Context, _ string, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeDestination) CreateMultipartUpload(_ context.Context, _ string, key, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.next++
	id := fmt.Sprintf("upload-%d", f.next)
	f.uploads[id] = map[int32][]byte{}
	f.uploadKey[id] = key
	return id, nil
}

func (f *fakeDestination) UploadPart(_ context.Context, _ string, _ string, uploadID string, part int32, body io.ReadSeeker, size int64) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	if int64(len(data)) != size {
		return "", fmt.Errorf("part size mismatch: %d != %d", len(data), size)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	parts, ok := f.uploads[uploadID]
	if !ok {
		return "", store.ErrUploadNotFound
	}
	parts[part] = data
	return etagOf(data), nil
}

func (f *fakeDestination) CompleteMultipartUpload(_ context.Context, _ string, key, uploadID string, parts []models.CompletedPart) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	uploaded, ok := f.uploads[uploadID]
	if !ok {
		return store.ErrUploadNotFound
	}

	var buf bytes.Buffer
	for i, p := range parts {
		if p.Part != int32(i+1) {
			return fmt.Errorf("parts out of order at %d", i)
		}
		data, ok := uploaded[p.Part]
		if !ok || etagOf(data) != p.ETag {
			return fmt.Errorf("invalid part %d", p.Part)
		}
		buf.Write(data)
	}

	f.objects[key] = buf.Bytes()
	delete(f.uploads, uploadID)
	f.completes++
	return nil
}

func (f *fakeDestination) AbortMultipartUpload(_ context.Context, _ string, _ string, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.uploads, uploadID)
	f.aborted = append(f.aborted, uploadID)
	return nil
}

func (f *fakeDestination) object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[key]
	return b, ok
}

type fakePublisher struct {
	mu        sync.Mutex
	transfers []models.TransferRequest
	direct    []models.DirectStreamJob
	chunks    []models.ChunkJob
	// failAfter > 0 fails every publish after that many succeeded.
	failAfter int
	sent      int
}

func (f *fakePublisher) allow() error {
	if f.failAfter > 0 && f.sent >= f.failAfter {
		return fmt.Errorf("queue unavailable")
	}
	f.sent++
	return nil
}

func (f *fakePublisher) PublishTransferRequest(_ context.Context, req models.TransferRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.allow(); err != nil {
		return err
	}
	f.transfers = append(f.transfers, req)
	return nil
}

func (f *fakePublisher) PublishDirectJob(_ context.Context, job models.DirectStreamJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.allow(); err != nil {
		return err
	}
	f.direct = append(f.direct, job)
	return nil
}

func (f *fakePublisher) PublishChunkJob(_ context.Context, job models.ChunkJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.allow(); err != nil {
		return err
	}
	f.chunks = append(f.chunks, job)
	return nil
}

func (f *fakePublisher) chunkJobs() []models.ChunkJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ChunkJob(nil), f.chunks...)
}

func (f *fakePublisher) directJobs() []models.DirectStreamJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.DirectStreamJob(nil), f.direct...)
}
