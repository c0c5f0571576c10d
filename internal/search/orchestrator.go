// Package search sequences the workflow behind a clothing search: store the
// upload, detect candidate items, let the user disambiguate, re-query the
// similarity service with the chosen crop and persist what came back.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ethxnwzng/ClothingImageSearch/internal/cache"
	"github.com/ethxnwzng/ClothingImageSearch/internal/clients/detect"
	"github.com/ethxnwzng/ClothingImageSearch/internal/clients/vissearch"
	"github.com/ethxnwzng/ClothingImageSearch/internal/events"
	"github.com/ethxnwzng/ClothingImageSearch/internal/logger"
	"github.com/ethxnwzng/ClothingImageSearch/internal/models"
)

// ErrInvalidSelection is returned when a selected index or category cannot
// be applied to the session's detections.
var ErrInvalidSelection = errors.New("invalid selection")

const (
	uploadFolder    = "test"
	detectionMethod = "object_detection"

	plainK   = 5
	refinedK = 10
	scale    = 10
)

// Category keyword sets for coarse top/bottom selection. Matching is
// case-insensitive substring; highest confidence wins, first occurrence
// breaks ties.
var (
	topKeywords    = []string{"shirt", "top", "blouse", "t-shirt", "sweater", "jacket", "hoodie"}
	bottomKeywords = []string{"pants", "jeans", "skirt", "shorts", "leggings", "trousers", "bottom"}
)

type Store interface {
	CreateSession(ctx context.Context, sess *models.SearchSession) error
	AttachSessionRef(ctx context.Context, id uuid.UUID, ref string) error
	GetSessionByToken(ctx context.Context, token string) (*models.SearchSession, error)
	SaveDetection(ctx context.Context, d *models.Detection) error
	DetectionBySession(ctx context.Context, sessionID uuid.UUID) (*models.Detection, error)
	SaveSearchResults(ctx context.Context, results []*models.SearchResult) error
}

type ObjectStore interface {
	Upload(ctx context.Context, body io.Reader, key string) (string, error)
	PresignRef(ctx context.Context, ref string, ttl time.Duration) (string, error)
	Bucket() string
}

type Detector interface {
	DetectClothing(ctx context.Context, inputRef, maskDir string) *detect.Result
}

type Searcher interface {
	Search(ctx context.Context, index, imageRef string, k, scale int) *vissearch.Result
	SearchWithContext(ctx context.Context, index, imageRef string, k, scale int, sc *vissearch.Context) *vissearch.Result
}

// DetectedItem is one detection prepared for display and selection.
type DetectedItem struct {
	Index         int       `json:"index"`
	Label         string    `json:"item"`
	Confidence    float64   `json:"confidence"`
	ConfidencePct float64   `json:"confidence_pct"`
	Box           []float64 `json:"box,omitempty"`
	MaskRef       string    `json:"mask_s3_url,omitempty"`
	MaskURL       string    `json:"mask_url,omitempty"`
}

// ResultHit is one similarity hit with a resolved display URL.
type ResultHit struct {
	Score     float64       `json:"score"`
	S3URL     string        `json:"s3_url,omitempty"`
	PublicURL string        `json:"public_url,omitempty"`
	Fields    vissearch.Hit `json:"fields"`
}

// SearchOutcome is a display-ready similarity call result: either hits or a
// status/message pair, never both.
type SearchOutcome struct {
	Hits         []ResultHit        `json:"hits,omitempty"`
	Status       string             `json:"status,omitempty"`
	ErrorMessage string             `json:"error,omitempty"`
	Context      *vissearch.Context `json:"search_context,omitempty"`
}

func (o *SearchOutcome) Failed() bool { return o != nil && o.Status != "" }

// InitialOutcome is what the upload step hands back to the presentation
// layer: the stored image, the ranked detections and which branch was taken.
type InitialOutcome struct {
	SessionToken     string          `json:"session_id"`
	StorageRef       string          `json:"s3_url"`
	UploadedImageURL string          `json:"uploaded_image_url,omitempty"`
	Items            []DetectedItem  `json:"detected_items"`
	DetectStatus     string          `json:"detect_status,omitempty"`
	DetectError      string          `json:"detect_error,omitempty"`
	NoItemsDetected  bool            `json:"no_items_detected,omitempty"`
	MultipleItems    bool            `json:"multiple_items_detected,omitempty"`
	PlainSearch      *SearchOutcome  `json:"visual_search_results,omitempty"`
	Refined          *RefinedOutcome `json:"refined,omitempty"`
}

// RefinedOutcome is the result of a disambiguated search.
type RefinedOutcome struct {
	SessionToken     string         `json:"session_id"`
	Selected         *DetectedItem  `json:"selected_item,omitempty"`
	CategorySelected bool           `json:"category_selected,omitempty"`
	NoMatchingItem   bool           `json:"no_matching_item,omitempty"`
	UsedCroppedImage bool           `json:"used_cropped_image,omitempty"`
	SearchImageRef   string         `json:"search_image_ref,omitempty"`
	Search           *SearchOutcome `json:"visual_search_results,omitempty"`
}

type Orchestrator struct {
	store    Store
	objects  ObjectStore
	detector Detector
	searcher Searcher
	urls     *cache.URLCache
	producer *events.Producer
	log      *logger.Logger

	index      string
	presignTTL time.Duration
}

func New(store Store, objects ObjectStore, detector Detector, searcher Searcher,
	urls *cache.URLCache, producer *events.Producer, index string, presignTTL time.Duration,
	log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		store:      store,
		objects:    objects,
		detector:   detector,
		searcher:   searcher,
		urls:       urls,
		producer:   producer,
		index:      index,
		presignTTL: presignTTL,
		log:        log,
	}
}

// InitialSearch stores the upload, runs detection and decides the branch:
// zero items stops, one item refines immediately, several items come back
// for the user to choose from. One session row and one detection row are
// written no matter how the upstream calls went; only a storage failure
// aborts the operation.
func (o *Orchestrator) InitialSearch(ctx context.Context, image io.Reader, filename string) (*InitialOutcome, error) {
	const op = "search.InitialSearch"

	sess := &models.SearchSession{
		ID:               uuid.New(),
		SessionToken:     uuid.NewString(),
		UploadedFilename: filename,
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	key := fmt.Sprintf("%s/%s", uploadFolder, path.Base(filename))
	ref, err := o.objects.Upload(ctx, image, key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := o.store.AttachSessionRef(ctx, sess.ID, ref); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	sess.S3URL = ref

	maskDir := fmt.Sprintf("s3://%s/masks/%s", o.objects.Bucket(), sess.SessionToken)
	detection := o.detector.DetectClothing(ctx, ref, maskDir)

	// The detection row is written regardless of the branch taken; on
	// failure the raw payload encodes the error.
	row := &models.Detection{
		ID:              uuid.New(),
		SessionID:       sess.ID,
		DetectedObjects: detection.Raw,
		MaskURLs:        detection.MaskImageOutput,
	}
	if err := o.store.SaveDetection(ctx, row); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	outcome := &InitialOutcome{
		SessionToken:     sess.SessionToken,
		StorageRef:       ref,
		UploadedImageURL: o.presignDisplay(ctx, ref),
		Items:            o.rankedItems(ctx, detection, true),
		DetectStatus:     detection.Status,
		DetectError:      detection.ErrorMessage,
	}

	o.producer.Emit(ctx, events.SearchStarted, sess.SessionToken, map[string]interface{}{
		"filename":       filename,
		"detected_items": len(outcome.Items),
		"detect_status":  detection.Status,
	})

	switch len(outcome.Items) {
	case 0:
		outcome.NoItemsDetected = true
	case 1:
		// A single detection needs no disambiguation.
		item := outcome.Items[0]
		refined, err := o.refineWithItem(ctx, sess, detection, &item, false)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		outcome.Refined = refined
	default:
		outcome.MultipleItems = true
		outcome.PlainSearch = o.displayOutcome(ctx, o.searcher.Search(ctx, o.index, ref, plainK, scale))
	}

	return outcome, nil
}

// Refine applies the user's choice to a previous session. Exactly one of
// selectedIndex and category is expected; the handler validates that.
func (o *Orchestrator) Refine(ctx context.Context, token string, selectedIndex *int, category string) (*RefinedOutcome, error) {
	const op = "search.Refine"

	sess, err := o.store.GetSessionByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	row, err := o.store.DetectionBySession(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var detection detect.Result
	if err := json.Unmarshal(row.DetectedObjects, &detection); err != nil {
		return nil, fmt.Errorf("%s: decode detection payload: %w", op, err)
	}
	detection.MaskImageOutput = row.MaskURLs

	items := o.rankedItems(ctx, &detection, false)

	var (
		chosen       *DetectedItem
		fromCategory bool
	)
	switch {
	case selectedIndex != nil:
		for i := range items {
			if items[i].Index == *selectedIndex {
				chosen = &items[i]
				break
			}
		}
		if chosen == nil {
			return nil, fmt.Errorf("%s: index %d: %w", op, *selectedIndex, ErrInvalidSelection)
		}
	case category == "top" || category == "bottom":
		fromCategory = true
		chosen = matchCategory(items, category)
		if chosen == nil {
			return &RefinedOutcome{SessionToken: token, CategorySelected: true, NoMatchingItem: true}, nil
		}
	default:
		return nil, fmt.Errorf("%s: category %q: %w", op, category, ErrInvalidSelection)
	}

	return o.refineWithItem(ctx, sess, &detection, chosen, fromCategory)
}

func (o *Orchestrator) refineWithItem(ctx context.Context, sess *models.SearchSession,
	detection *detect.Result, item *DetectedItem, fromCategory bool) (*RefinedOutcome, error) {
	const op = "search.refineWithItem"

	// Prefer the cropped mask for the chosen detection; fall back to the
	// original upload when no mask exists at that index.
	imageRef := sess.S3URL
	usedCrop := false
	if item.Index < len(detection.MaskImageOutput) && detection.MaskImageOutput[item.Index] != "" {
		imageRef = detection.MaskImageOutput[item.Index]
		usedCrop = true
	}
	o.log.Info("refined search image chosen",
		"session_id", sess.SessionToken, "image_ref", imageRef, "cropped", usedCrop)

	sc := &vissearch.Context{
		TargetItem:      item.Label,
		Confidence:      item.Confidence,
		BoundingBox:     item.Box,
		DetectionMethod: detectionMethod,
	}
	result := o.searcher.SearchWithContext(ctx, o.index, imageRef, refinedK, scale, sc)

	outcome := &RefinedOutcome{
		SessionToken:     sess.SessionToken,
		Selected:         item,
		CategorySelected: fromCategory,
		UsedCroppedImage: usedCrop,
		SearchImageRef:   imageRef,
		Search:           o.displayOutcome(ctx, result),
	}

	if !result.Failed() {
		rows, err := resultRows(sess.ID, result.Hits, models.ResultTypeVisualSearchWithContext, item)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if err := o.store.SaveSearchResults(ctx, rows); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	o.producer.Emit(ctx, events.SearchRefined, sess.SessionToken, map[string]interface{}{
		"target_item":   item.Label,
		"confidence":    item.Confidence,
		"from_category": fromCategory,
		"cropped":       usedCrop,
		"search_status": result.Status,
		"hits":          len(result.Hits),
	})

	return outcome, nil
}

// PersistPlainHits stores preview hits from the un-refined search, used by
// the JSON API flow.
func (o *Orchestrator) PersistPlainHits(ctx context.Context, token string, outcome *SearchOutcome) error {
	const op = "search.PersistPlainHits"

	if outcome == nil || outcome.Failed() || len(outcome.Hits) == 0 {
		return nil
	}
	sess, err := o.store.GetSessionByToken(ctx, token)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	hits := make([]vissearch.Hit, len(outcome.Hits))
	for i, h := range outcome.Hits {
		hits[i] = h.Fields
	}
	rows, err := resultRows(sess.ID, hits, models.ResultTypeVisualSearch, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := o.store.SaveSearchResults(ctx, rows); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// PresignDisplayRef resolves a storage reference to a temporary public URL
// for rendering, going through the URL cache when one is configured.
func (o *Orchestrator) PresignDisplayRef(ctx context.Context, ref string) string {
	return o.presignDisplay(ctx, ref)
}

func (o *Orchestrator) presignDisplay(ctx context.Context, ref string) string {
	if ref == "" {
		return ""
	}
	if url, ok := o.urls.Get(ctx, ref); ok {
		return url
	}
	url, err := o.objects.PresignRef(ctx, ref, o.presignTTL)
	if err != nil {
		o.log.Warn("presign failed", "ref", ref, "error", err)
		return ""
	}
	o.urls.Set(ctx, ref, url)
	return url
}

func (o *Orchestrator) rankedItems(ctx context.Context, d *detect.Result, display bool) []DetectedItem {
	items := RankItems(d)
	if display {
		for i := range items {
			if items[i].MaskRef != "" {
				items[i].MaskURL = o.presignDisplay(ctx, items[i].MaskRef)
			}
		}
	}
	return items
}

// RankItems pairs up the parallel detection arrays and sorts by confidence
// descending; the sort is stable so ties keep upstream order. Each item
// remembers its upstream index so masks still line up after sorting.
func RankItems(d *detect.Result) []DetectedItem {
	items := make([]DetectedItem, 0, len(d.Phrases))
	for i, phrase := range d.Phrases {
		item := DetectedItem{Index: i, Label: phrase}
		if i < len(d.Scores) {
			item.Confidence = d.Scores[i]
			item.ConfidencePct = d.Scores[i] * 100
		}
		if i < len(d.Boxes) {
			item.Box = d.Boxes[i]
		}
		if i < len(d.MaskImageOutput) {
			item.MaskRef = d.MaskImageOutput[i]
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Confidence > items[j].Confidence
	})
	return items
}

func (o *Orchestrator) displayOutcome(ctx context.Context, r *vissearch.Result) *SearchOutcome {
	if r == nil {
		return nil
	}
	if r.Failed() {
		return &SearchOutcome{Status: r.Status, ErrorMessage: r.ErrorMessage, Context: r.Context}
	}
	out := &SearchOutcome{Context: r.Context}
	for _, hit := range r.Hits {
		out.Hits = append(out.Hits, ResultHit{
			Score:     hit.Score(),
			S3URL:     hit.S3URL(),
			PublicURL: o.presignDisplay(ctx, hit.S3URL()),
			Fields:    hit,
		})
	}
	return out
}

// matchCategory scans labels for the category's keywords and picks the
// highest-confidence match; items arrive confidence-sorted, so the first
// match wins and ties resolve to the earliest upstream occurrence.
func matchCategory(items []DetectedItem, category string) *DetectedItem {
	keywords := topKeywords
	if category == "bottom" {
		keywords = bottomKeywords
	}
	var best *DetectedItem
	for i := range items {
		label := strings.ToLower(items[i].Label)
		for _, kw := range keywords {
			if strings.Contains(label, kw) {
				if best == nil || items[i].Confidence > best.Confidence {
					best = &items[i]
				}
				break
			}
		}
	}
	return best
}

func resultRows(sessionID uuid.UUID, hits []vissearch.Hit, resultType string, selected *DetectedItem) ([]*models.SearchResult, error) {
	rows := make([]*models.SearchResult, 0, len(hits))
	for _, hit := range hits {
		meta := make(map[string]interface{}, len(hit)+2)
		for k, v := range hit {
			meta[k] = v
		}
		if selected != nil {
			meta["selected_item"] = selected.Label
			meta["detection_confidence"] = selected.Confidence
		}
		encoded, err := json.Marshal(meta)
		if err != nil {
			return nil, err
		}
		rows = append(rows, &models.SearchResult{
			ID:         uuid.New(),
			SessionID:  sessionID,
			Confidence: hit.Score(),
			ResultType: resultType,
			Metadata:   encoded,
		})
	}
	return rows, nil
}
