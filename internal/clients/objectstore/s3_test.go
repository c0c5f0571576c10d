package objectstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	bucket, key, err := ParseRef("s3://bucket/a/b/c.jpg")
	require.NoError(t, err)
	assert.Equal(t, "bucket", bucket)
	assert.Equal(t, "a/b/c.jpg", key)
}

func TestParseRef_Invalid(t *testing.T) {
	cases := []string{
		"",
		"http://bucket/key.jpg",
		"s3://bucket-only",
		"s3://bucket/",
		"s3:///key.jpg",
	}
	for _, ref := range cases {
		_, _, err := ParseRef(ref)
		assert.Error(t, err, "ref %q should not parse", ref)
	}
}

func TestContentTypeForKey(t *testing.T) {
	// jpg stays image/jpg on purpose, the search provider expects it.
	assert.Equal(t, "image/jpg", ContentTypeForKey("test/photo.jpg"))
	assert.Equal(t, "image/png", ContentTypeForKey("products/HAL001/shot.PNG"))
	assert.Equal(t, "image/gif", ContentTypeForKey("a.gif"))
	assert.Equal(t, "application/octet-stream", ContentTypeForKey("noextension"))
}
