package mediacache

import (
	"testing"

	"media-cache/internal/media"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_CanCache(t *testing.T) {
	png := media.Asset{ID: "a", Extension: "PNG"}
	pdf := media.Asset{ID: "b", Extension: "pdf"}

	all := NewPolicy(nil)
	assert.True(t, all.CanCache(png, media.Options{}))
	assert.True(t, all.CanCache(pdf, media.Options{}))
	assert.False(t, all.CanCache(png, media.Options{NoCache: true}))

	images := NewPolicy([]string{".png", "JPG", " "})
	assert.Equal(t, []string{"png", "jpg"}, images.Extensions)
	assert.True(t, images.CanCache(png, media.Options{}))
	assert.False(t, images.CanCache(pdf, media.Options{}))

	assert.False(t, Policy{}.CanCache(png, media.Options{}))
}
