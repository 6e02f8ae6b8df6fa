package gcs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestObjectName(t *testing.T) {
	u := NewUploader(nil, nil, "bucket", "ecmwf")
	u.now = func() time.Time { return time.Date(2016, 11, 14, 0, 0, 0, 0, time.UTC) }

	assert.Equal(t, "ecmwf/BFS/20161112/BFS11120600111511001", u.ObjectName("BFS11120600111511001"))
	assert.Equal(t, "ecmwf/other/random.grib", u.ObjectName("random.grib"))
}
