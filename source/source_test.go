package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prism-search/prism/model"
)

// allowAll grants every capability with no credentials.
type allowAll struct{}

func (allowAll) IsAllowed(string) bool { return true }

func (allowAll) CredentialsFor(string) (map[string]string, bool) { return nil, false }

func TestManagerPrecedence(t *testing.T) {
	t.Run("first matching source wins", func(t *testing.T) {
		s3 := NewS3(allowAll{})
		local := NewLocal(nil)
		m := NewManager(s3, local)

		src, err := m.SourceFor("s3://bucket/prefix")
		require.NoError(t, err)
		assert.Equal(t, "s3", src.Name())

		src, err = m.SourceFor("/data/frames")
		require.NoError(t, err)
		assert.Equal(t, "local", src.Name())
	})

	t.Run("unentitled cloud scheme is unavailable, not not-found", func(t *testing.T) {
		m := NewManager(
			NewS3(model.CommunityEntitlements{}),
			NewMinIO(model.CommunityEntitlements{}),
			NewLocal(nil),
		)

		_, err := m.SourceFor("s3://bucket/prefix")
		assert.ErrorIs(t, err, ErrSourceUnavailable)

		_, err = m.SourceFor("minio://bucket/prefix")
		assert.ErrorIs(t, err, ErrSourceUnavailable)
	})

	t.Run("no source at all", func(t *testing.T) {
		m := NewManager()
		_, err := m.SourceFor("/data/frames")
		assert.ErrorIs(t, err, ErrPathNotFound)
	})
}

func TestEntitlementGating(t *testing.T) {
	assert.True(t, NewS3(allowAll{}).CanHandle("s3://b/k"))
	assert.False(t, NewS3(model.CommunityEntitlements{}).CanHandle("s3://b/k"))
	assert.False(t, NewS3(allowAll{}).CanHandle("minio://b/k"))

	assert.True(t, NewMinIO(allowAll{}).CanHandle("minio://b/k"))
	assert.False(t, NewMinIO(model.CommunityEntitlements{}).CanHandle("minio://b/k"))
}

func TestParseObjectURI(t *testing.T) {
	t.Run("bucket and key", func(t *testing.T) {
		bucket, key, err := parseObjectURI("s3://my-bucket/path/to/img.jpg", "s3")
		require.NoError(t, err)
		assert.Equal(t, "my-bucket", bucket)
		assert.Equal(t, "path/to/img.jpg", key)
	})

	t.Run("bucket only", func(t *testing.T) {
		bucket, key, err := parseObjectURI("s3://my-bucket", "s3")
		require.NoError(t, err)
		assert.Equal(t, "my-bucket", bucket)
		assert.Empty(t, key)
	})

	t.Run("wrong scheme", func(t *testing.T) {
		_, _, err := parseObjectURI("gs://bucket/key", "s3")
		assert.Error(t, err)
	})
}

func TestIsCloudImage(t *testing.T) {
	assert.True(t, isCloudImage("frames/a.JPG"))
	assert.True(t, isCloudImage("frames/a.webp"))
	assert.False(t, isCloudImage("frames/a.mp4"))
	assert.False(t, isCloudImage("frames/manifest.json"))
}
