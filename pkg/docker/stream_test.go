package docker

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrainStream_CopiesProgressToWriter(t *testing.T) {
	stream := `{"stream":"Step 1/3 : FROM python:3.11-slim\n"}
{"stream":" ---> 2f43b5a36e0c\n"}
{"status":"Pushing"}
`

	var out bytes.Buffer
	require.NoError(t, DrainStream(strings.NewReader(stream), &out))

	assert.Contains(t, out.String(), "Step 1/3 : FROM python:3.11-slim")
	assert.Contains(t, out.String(), "Pushing")
}

func TestDrainStream_ReportsInBandErrorDetail(t *testing.T) {
	stream := `{"stream":"Step 4/5 : RUN python training_pipeline.py\n"}
{"errorDetail":{"message":"returned a non-zero code: 1"},"error":"returned a non-zero code: 1"}
`

	var out bytes.Buffer
	err := DrainStream(strings.NewReader(stream), &out)
	require.Error(t, err)
	assert.Equal(t, "returned a non-zero code: 1", err.Error())

	// Progress before the failure still reaches the writer.
	assert.Contains(t, out.String(), "Step 4/5")
}

func TestDrainStream_ReportsBareErrorField(t *testing.T) {
	stream := `{"error":"unauthorized: authentication required"}
`

	err := DrainStream(strings.NewReader(stream), nil)
	require.Error(t, err)
	assert.Equal(t, "unauthorized: authentication required", err.Error())
}

func TestDrainStream_EmptyStream(t *testing.T) {
	require.NoError(t, DrainStream(strings.NewReader(""), nil))
}

func TestDrainStream_MalformedJSON(t *testing.T) {
	err := DrainStream(strings.NewReader("not json at all"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode engine stream")
}

func TestDrainStream_NilWriterDiscards(t *testing.T) {
	stream := `{"stream":"building\n"}
{"status":"done"}
`

	require.NoError(t, DrainStream(strings.NewReader(stream), nil))
}
