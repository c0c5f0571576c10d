package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethxnwzng/ClothingImageSearch/internal/clients/detect"
	"github.com/ethxnwzng/ClothingImageSearch/internal/clients/vissearch"
	"github.com/ethxnwzng/ClothingImageSearch/internal/logger"
	"github.com/ethxnwzng/ClothingImageSearch/internal/models"
	"github.com/ethxnwzng/ClothingImageSearch/internal/storage"
)

type fakeStore struct {
	sessions   map[string]*models.SearchSession
	detections map[uuid.UUID]*models.Detection
	results    []*models.SearchResult
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:   map[string]*models.SearchSession{},
		detections: map[uuid.UUID]*models.Detection{},
	}
}

func (f *fakeStore) CreateSession(_ context.Context, s *models.SearchSession) error {
	f.sessions[s.SessionToken] = s
	return nil
}

func (f *fakeStore) AttachSessionRef(_ context.Context, id uuid.UUID, ref string) error {
	for _, s := range f.sessions {
		if s.ID == id {
			s.S3URL = ref
			return nil
		}
	}
	return storage.ErrNotFound
}

func (f *fakeStore) GetSessionByToken(_ context.Context, token string) (*models.SearchSession, error) {
	s, ok := f.sessions[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) SaveDetection(_ context.Context, d *models.Detection) error {
	f.detections[d.SessionID] = d
	return nil
}

func (f *fakeStore) DetectionBySession(_ context.Context, sessionID uuid.UUID) (*models.Detection, error) {
	d, ok := f.detections[sessionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return d, nil
}

func (f *fakeStore) SaveSearchResults(_ context.Context, rows []*models.SearchResult) error {
	f.results = append(f.results, rows...)
	return nil
}

type fakeObjects struct {
	uploadErr error
	uploads   []string
}

func (f *fakeObjects) Upload(_ context.Context, _ io.Reader, key string) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, key)
	return "s3://test-bucket/" + key, nil
}

func (f *fakeObjects) PresignRef(_ context.Context, ref string, _ time.Duration) (string, error) {
	return "https://signed.example/" + ref, nil
}

func (f *fakeObjects) Bucket() string { return "test-bucket" }

type fakeDetector struct {
	result *detect.Result
}

func (f *fakeDetector) DetectClothing(_ context.Context, _, _ string) *detect.Result {
	return f.result
}

type fakeSearcher struct {
	result      *vissearch.Result
	plainCalls  int
	ctxCalls    int
	lastRef     string
	lastContext *vissearch.Context
}

func (f *fakeSearcher) Search(_ context.Context, _, ref string, _, _ int) *vissearch.Result {
	f.plainCalls++
	f.lastRef = ref
	return f.result
}

func (f *fakeSearcher) SearchWithContext(_ context.Context, _, ref string, _, _ int, sc *vissearch.Context) *vissearch.Result {
	f.ctxCalls++
	f.lastRef = ref
	f.lastContext = sc
	// Mirror the real client, which echoes the context into the result on
	// both the success and error paths.
	if f.result != nil {
		f.result.Context = sc
	}
	return f.result
}

func detectionResult(phrases []string, scores []float64, masks []string) *detect.Result {
	r := &detect.Result{
		Phrases:         phrases,
		Scores:          scores,
		MaskImageOutput: masks,
	}
	for range phrases {
		r.Boxes = append(r.Boxes, []float64{1, 2, 3, 4})
	}
	raw, _ := json.Marshal(r)
	r.Raw = raw
	return r
}

func newOrchestrator(store Store, objects ObjectStore, det Detector, searcher Searcher) *Orchestrator {
	return New(store, objects, det, searcher, nil, nil, "idx", time.Hour, logger.NewNop())
}

func TestInitialSearch_SortsByConfidenceDescending(t *testing.T) {
	store := newFakeStore()
	searcher := &fakeSearcher{result: &vissearch.Result{}}
	det := &fakeDetector{result: detectionResult(
		[]string{"a", "b", "c"}, []float64{0.3, 0.9, 0.6}, nil)}

	o := newOrchestrator(store, &fakeObjects{}, det, searcher)
	out, err := o.InitialSearch(context.Background(), nil, "photo.jpg")
	require.NoError(t, err)

	require.Len(t, out.Items, 3)
	assert.Equal(t, []float64{0.9, 0.6, 0.3},
		[]float64{out.Items[0].Confidence, out.Items[1].Confidence, out.Items[2].Confidence})
	assert.True(t, out.MultipleItems)
	assert.Nil(t, out.Refined)
}

func TestInitialSearch_ZeroDetections(t *testing.T) {
	store := newFakeStore()
	searcher := &fakeSearcher{result: &vissearch.Result{}}
	det := &fakeDetector{result: detectionResult(nil, nil, nil)}

	o := newOrchestrator(store, &fakeObjects{}, det, searcher)
	out, err := o.InitialSearch(context.Background(), nil, "photo.jpg")
	require.NoError(t, err)

	assert.True(t, out.NoItemsDetected)
	assert.Zero(t, searcher.plainCalls, "no detections must mean no search call")
	assert.Zero(t, searcher.ctxCalls)
	assert.Empty(t, store.results)
	assert.Len(t, store.sessions, 1)
	assert.Len(t, store.detections, 1)
}

func TestInitialSearch_SingleDetectionSkipsDisambiguation(t *testing.T) {
	store := newFakeStore()
	searcher := &fakeSearcher{result: &vissearch.Result{
		Hits: []vissearch.Hit{{"s3_url": "s3://cat/a.jpg", "score": 0.91}},
	}}
	det := &fakeDetector{result: detectionResult(
		[]string{"blue dress"}, []float64{0.8}, []string{"s3://test-bucket/masks/t/0.jpg"})}

	o := newOrchestrator(store, &fakeObjects{}, det, searcher)
	out, err := o.InitialSearch(context.Background(), nil, "dress.png")
	require.NoError(t, err)

	require.NotNil(t, out.Refined)
	assert.Equal(t, 1, searcher.ctxCalls)
	assert.True(t, out.Refined.UsedCroppedImage)
	assert.Equal(t, "s3://test-bucket/masks/t/0.jpg", searcher.lastRef)
	require.Len(t, store.results, 1)
	assert.Equal(t, models.ResultTypeVisualSearchWithContext, store.results[0].ResultType)
	assert.InDelta(t, 0.91, store.results[0].Confidence, 1e-9)
}

func TestInitialSearch_DetectionFailureStillPersistsDetectionRow(t *testing.T) {
	store := newFakeStore()
	searcher := &fakeSearcher{result: &vissearch.Result{}}
	failed := &detect.Result{
		Status:       detect.StatusConnectionError,
		ErrorMessage: "detection API connection error: dial tcp: refused",
	}
	failed.Raw, _ = json.Marshal(map[string]string{
		"error_message": failed.ErrorMessage, "status": failed.Status,
	})
	det := &fakeDetector{result: failed}

	o := newOrchestrator(store, &fakeObjects{}, det, searcher)
	out, err := o.InitialSearch(context.Background(), nil, "photo.jpg")
	require.NoError(t, err, "detection failure must not abort the operation")

	assert.Equal(t, detect.StatusConnectionError, out.DetectStatus)
	assert.Len(t, store.sessions, 1)
	require.Len(t, store.detections, 1)
	for _, d := range store.detections {
		assert.JSONEq(t, string(failed.Raw), string(d.DetectedObjects))
	}
}

func TestInitialSearch_UploadFailureAborts(t *testing.T) {
	store := newFakeStore()
	objects := &fakeObjects{uploadErr: fmt.Errorf("put object: access denied")}
	o := newOrchestrator(store, objects, &fakeDetector{}, &fakeSearcher{})

	_, err := o.InitialSearch(context.Background(), nil, "photo.jpg")
	require.Error(t, err)
	assert.Empty(t, store.detections, "no detection call after a storage failure")
}

func seedSession(t *testing.T, store *fakeStore, det *detect.Result) string {
	t.Helper()
	sess := &models.SearchSession{
		ID:           uuid.New(),
		SessionToken: uuid.NewString(),
		S3URL:        "s3://test-bucket/test/photo.jpg",
	}
	require.NoError(t, store.CreateSession(context.Background(), sess))
	require.NoError(t, store.SaveDetection(context.Background(), &models.Detection{
		ID:              uuid.New(),
		SessionID:       sess.ID,
		DetectedObjects: det.Raw,
		MaskURLs:        det.MaskImageOutput,
	}))
	return sess.SessionToken
}

func TestRefine_CategoryKeywordMatching(t *testing.T) {
	store := newFakeStore()
	det := detectionResult([]string{"blue jeans", "red top"}, []float64{0.4, 0.8}, nil)
	token := seedSession(t, store, det)

	searcher := &fakeSearcher{result: &vissearch.Result{}}
	o := newOrchestrator(store, &fakeObjects{}, &fakeDetector{}, searcher)

	out, err := o.Refine(context.Background(), token, nil, "bottom")
	require.NoError(t, err)

	// "blue jeans" is the only bottom match, despite the lower confidence.
	require.NotNil(t, out.Selected)
	assert.Equal(t, "blue jeans", out.Selected.Label)
	assert.True(t, out.CategorySelected)
	require.NotNil(t, searcher.lastContext)
	assert.Equal(t, "blue jeans", searcher.lastContext.TargetItem)
	assert.Equal(t, "object_detection", searcher.lastContext.DetectionMethod)
}

func TestRefine_CategoryNoMatch(t *testing.T) {
	store := newFakeStore()
	det := detectionResult([]string{"red top", "white blouse"}, []float64{0.8, 0.6}, nil)
	token := seedSession(t, store, det)

	searcher := &fakeSearcher{result: &vissearch.Result{}}
	o := newOrchestrator(store, &fakeObjects{}, &fakeDetector{}, searcher)

	out, err := o.Refine(context.Background(), token, nil, "bottom")
	require.NoError(t, err)

	assert.True(t, out.NoMatchingItem)
	assert.Zero(t, searcher.ctxCalls, "no match means no search call")
	assert.Empty(t, store.results)
}

func TestRefine_CategoryTieBreaksToFirstOccurrence(t *testing.T) {
	store := newFakeStore()
	det := detectionResult(
		[]string{"black jeans", "denim skirt"}, []float64{0.5, 0.5}, nil)
	token := seedSession(t, store, det)

	searcher := &fakeSearcher{result: &vissearch.Result{}}
	o := newOrchestrator(store, &fakeObjects{}, &fakeDetector{}, searcher)

	out, err := o.Refine(context.Background(), token, nil, "bottom")
	require.NoError(t, err)
	assert.Equal(t, "black jeans", out.Selected.Label)
}

func TestRefine_MaskPreferredOverOriginal(t *testing.T) {
	store := newFakeStore()
	det := detectionResult(
		[]string{"shirt", "jeans"}, []float64{0.7, 0.9},
		[]string{"s3://test-bucket/masks/t/0.jpg", "s3://test-bucket/masks/t/1.jpg"})
	token := seedSession(t, store, det)

	searcher := &fakeSearcher{result: &vissearch.Result{}}
	o := newOrchestrator(store, &fakeObjects{}, &fakeDetector{}, searcher)

	idx := 1
	out, err := o.Refine(context.Background(), token, &idx, "")
	require.NoError(t, err)

	assert.True(t, out.UsedCroppedImage)
	assert.Equal(t, "s3://test-bucket/masks/t/1.jpg", searcher.lastRef)
}

func TestRefine_FallsBackToOriginalWithoutMask(t *testing.T) {
	store := newFakeStore()
	det := detectionResult([]string{"shirt"}, []float64{0.7}, nil)
	token := seedSession(t, store, det)

	searcher := &fakeSearcher{result: &vissearch.Result{}}
	o := newOrchestrator(store, &fakeObjects{}, &fakeDetector{}, searcher)

	idx := 0
	out, err := o.Refine(context.Background(), token, &idx, "")
	require.NoError(t, err)

	assert.False(t, out.UsedCroppedImage)
	assert.Equal(t, "s3://test-bucket/test/photo.jpg", searcher.lastRef)
}

func TestRefine_SearchFailurePersistsNothing(t *testing.T) {
	store := newFakeStore()
	det := detectionResult([]string{"shirt"}, []float64{0.7}, nil)
	token := seedSession(t, store, det)

	searcher := &fakeSearcher{result: &vissearch.Result{
		Status:       vissearch.StatusConnectionError,
		ErrorMessage: "visual search API connection error",
	}}
	o := newOrchestrator(store, &fakeObjects{}, &fakeDetector{}, searcher)

	idx := 0
	out, err := o.Refine(context.Background(), token, &idx, "")
	require.NoError(t, err)

	assert.Empty(t, store.results)
	require.NotNil(t, out.Search)
	assert.Equal(t, vissearch.StatusConnectionError, out.Search.Status)
	require.NotNil(t, out.Search.Context, "failure echoes the context back")
	assert.Equal(t, "shirt", out.Search.Context.TargetItem)
}

func TestRefine_UnknownSession(t *testing.T) {
	o := newOrchestrator(newFakeStore(), &fakeObjects{}, &fakeDetector{}, &fakeSearcher{})

	idx := 0
	_, err := o.Refine(context.Background(), "no-such-token", &idx, "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRefine_IndexOutOfRange(t *testing.T) {
	store := newFakeStore()
	det := detectionResult([]string{"shirt"}, []float64{0.7}, nil)
	token := seedSession(t, store, det)

	o := newOrchestrator(store, &fakeObjects{}, &fakeDetector{}, &fakeSearcher{result: &vissearch.Result{}})

	idx := 5
	_, err := o.Refine(context.Background(), token, &idx, "")
	assert.ErrorIs(t, err, ErrInvalidSelection)
}

func TestRefine_SelectionPersistsTaggedMetadata(t *testing.T) {
	store := newFakeStore()
	det := detectionResult([]string{"hoodie"}, []float64{0.66}, nil)
	token := seedSession(t, store, det)

	searcher := &fakeSearcher{result: &vissearch.Result{
		Hits: []vissearch.Hit{
			{"s3_url": "s3://cat/x.jpg", "score": 0.88},
			{"s3_url": "s3://cat/y.jpg", "score": 0.75},
		},
	}}
	o := newOrchestrator(store, &fakeObjects{}, &fakeDetector{}, searcher)

	idx := 0
	_, err := o.Refine(context.Background(), token, &idx, "")
	require.NoError(t, err)

	require.Len(t, store.results, 2)
	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(store.results[0].Metadata, &meta))
	assert.Equal(t, "hoodie", meta["selected_item"])
	assert.InDelta(t, 0.66, meta["detection_confidence"].(float64), 1e-9)
}
