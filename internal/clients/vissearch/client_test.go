package vissearch

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethxnwzng/ClothingImageSearch/internal/logger"
)

const testIndex = "mall_search_image_250604"

func newTestClient() *Client {
	c := New("http://vissearch.test", logger.NewNop())
	httpmock.ActivateNonDefault(c.httpc)
	httpmock.ActivateNonDefault(c.probec)
	return c
}

func hitsResponder(t *testing.T, capture *url.Values) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		if capture != nil {
			*capture = req.URL.Query()
		}
		return httpmock.NewJsonResponse(http.StatusOK, map[string]interface{}{
			"result_content": []map[string]interface{}{
				{"s3_url": "s3://catalog/products/a.jpg", "score": 0.97},
				{"s3_url": "s3://catalog/products/b.jpg", "score": 0.82},
			},
		})
	}
}

func TestSearch_Success(t *testing.T) {
	c := newTestClient()
	defer httpmock.DeactivateAndReset()

	var q url.Values
	httpmock.RegisterResponder(http.MethodGet,
		"http://vissearch.test/vis-search/search/"+testIndex, hitsResponder(t, &q))

	res := c.Search(context.Background(), testIndex, "s3://bkt/test/shirt.jpg", 5, 10)

	require.False(t, res.Failed())
	require.Len(t, res.Hits, 2)
	assert.Equal(t, 0.97, res.Hits[0].Score())
	assert.Equal(t, "s3://catalog/products/a.jpg", res.Hits[0].S3URL())
	assert.Nil(t, res.Context)

	assert.Equal(t, "s3://bkt/test/shirt.jpg", q.Get("s3_url"))
	assert.Equal(t, "5", q.Get("k"))
	assert.Equal(t, "10", q.Get("scale"))
	assert.Empty(t, q.Get("target_item"))
}

func TestSearchWithContext_SparseParams(t *testing.T) {
	c := newTestClient()
	defer httpmock.DeactivateAndReset()

	var q url.Values
	httpmock.RegisterResponder(http.MethodGet,
		"http://vissearch.test/vis-search/search/"+testIndex, hitsResponder(t, &q))

	sc := &Context{
		TargetItem:      "blue jeans",
		Confidence:      0.55,
		BoundingBox:     []float64{15, 230, 120.5, 400},
		DetectionMethod: "object_detection",
	}
	res := c.SearchWithContext(context.Background(), testIndex, "s3://bkt/masks/tok/1.png", 10, 10, sc)

	require.False(t, res.Failed())
	assert.Same(t, sc, res.Context)

	assert.Equal(t, "blue jeans", q.Get("target_item"))
	assert.Equal(t, "0.55", q.Get("confidence"))
	assert.Equal(t, "object_detection", q.Get("detection_method"))
	assert.Equal(t, "15,230,120.5,400", q.Get("bounding_box"))
}

func TestSearchWithContext_OmitsPartialBox(t *testing.T) {
	c := newTestClient()
	defer httpmock.DeactivateAndReset()

	var q url.Values
	httpmock.RegisterResponder(http.MethodGet,
		"http://vissearch.test/vis-search/search/"+testIndex, hitsResponder(t, &q))

	res := c.SearchWithContext(context.Background(), testIndex, "s3://bkt/img.jpg", 10, 10,
		&Context{TargetItem: "red top", BoundingBox: []float64{1, 2}})

	require.False(t, res.Failed())
	assert.Equal(t, "red top", q.Get("target_item"))
	assert.False(t, q.Has("bounding_box"))
	assert.False(t, q.Has("confidence"))
}

func TestSearch_InvalidRefSkipsCall(t *testing.T) {
	c := newTestClient()
	defer httpmock.DeactivateAndReset()

	res := c.Search(context.Background(), testIndex, "not-a-ref", 5, 10)

	require.True(t, res.Failed())
	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.ErrorMessage, "invalid image reference")
	assert.Zero(t, httpmock.GetTotalCallCount())
}

func TestSearch_Unauthorized(t *testing.T) {
	c := newTestClient()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodGet,
		"http://vissearch.test/vis-search/search/"+testIndex,
		httpmock.NewStringResponder(http.StatusUnauthorized, "no token"))

	res := c.Search(context.Background(), testIndex, "s3://bkt/img.jpg", 5, 10)

	require.True(t, res.Failed())
	assert.Equal(t, StatusUnauthorized, res.Status)
}

func TestSearch_ServerError(t *testing.T) {
	c := newTestClient()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodGet,
		"http://vissearch.test/vis-search/search/"+testIndex,
		httpmock.NewStringResponder(http.StatusBadGateway, "upstream down"))

	res := c.Search(context.Background(), testIndex, "s3://bkt/img.jpg", 5, 10)

	require.True(t, res.Failed())
	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.ErrorMessage, "status 502")
}

func TestSearch_ConnectionError(t *testing.T) {
	c := newTestClient()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodGet,
		"http://vissearch.test/vis-search/search/"+testIndex,
		httpmock.NewErrorResponder(assert.AnError))

	res := c.Search(context.Background(), testIndex, "s3://bkt/img.jpg", 5, 10)

	require.True(t, res.Failed())
	assert.Equal(t, StatusConnectionError, res.Status)
}

func TestTestConnection(t *testing.T) {
	c := newTestClient()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodGet, "http://vissearch.test/vis-search/test",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "s3://a-bucket/image.png", req.URL.Query().Get("s3url"))
			return httpmock.NewStringResponse(http.StatusOK, `{"ok":true}`), nil
		})

	body, err := c.TestConnection(context.Background(), "s3://a-bucket/image.png")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestListIndexes_Non200(t *testing.T) {
	c := newTestClient()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "http://vissearch.test/vis-search/index/list",
		httpmock.NewStringResponder(http.StatusForbidden, "denied"))

	_, err := c.ListIndexes(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
}
