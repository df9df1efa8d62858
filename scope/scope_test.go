package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEqualTreatsMissingProjectAsDistinct(t *testing.T) {
	withProj := WithProject("org", "user", "proj")
	bare := New("org", "user")

	assert.False(t, bare.Equal(withProj))
	assert.False(t, withProj.Equal(bare))
}

func TestEqualMatchesSameProject(t *testing.T) {
	a := WithProject("org", "user", "proj")
	b := WithProject("org", "user", "proj")
	assert.True(t, a.Equal(b))
}

func TestEqualRejectsDifferentProject(t *testing.T) {
	a := WithProject("org", "user", "proj-a")
	b := WithProject("org", "user", "proj-b")
	assert.False(t, a.Equal(b))
}

func TestStringOmitsAbsentProject(t *testing.T) {
	assert.Equal(t, "org/user", New("org", "user").String())
	assert.Equal(t, "org/user/proj", WithProject("org", "user", "proj").String())
}

func TestHasProject(t *testing.T) {
	assert.False(t, New("org", "user").HasProject())
	assert.True(t, WithProject("org", "user", "proj").HasProject())
}
