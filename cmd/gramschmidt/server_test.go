package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-gramschmidt/internal/cache"
	"github.com/23skdu/longbow-gramschmidt/internal/client"
	"github.com/23skdu/longbow-gramschmidt/internal/dataset"
	"github.com/23skdu/longbow-gramschmidt/internal/gramschmidt"
)

const tol = 1e-9

type mockFlightClient struct {
	mock.Mock
}

func (m *mockFlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	args := m.Called(ctx, datasetName, record)
	return args.Error(0)
}

func (m *mockFlightClient) Close() error {
	return nil
}

// countingOrthonormalizer records how often the kernel actually ran.
type countingOrthonormalizer struct {
	*gramschmidt.Orthonormalizer
	calls int
}

func (c *countingOrthonormalizer) Orthonormalize(dim, num int, vecs []float64) error {
	c.calls++
	return c.Orthonormalizer.Orthonormalize(dim, num, vecs)
}

func postCBOR(t *testing.T, h http.HandlerFunc, req Request) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	data, err := cbor.Marshal(req)
	require.NoError(t, err)

	r, _ := http.NewRequest("POST", "/orthonormalize", bytes.NewReader(data))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)

	var resp Response
	if rr.Header().Get("Content-Type") == "application/cbor" {
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
	}
	return rr, resp
}

func TestServer_Orthonormalize(t *testing.T) {
	mfc := &mockFlightClient{}
	srv, err := NewServer(gramschmidt.New(), mfc, "test-dataset", 1<<20, nil)
	require.NoError(t, err)
	d, _ := dataset.ByName("r3x3")

	t.Run("Success with Forwarding", func(t *testing.T) {
		mfc.On("DoPut", mock.Anything, "test-dataset", mock.Anything).Return(nil).Once()

		rr, resp := postCBOR(t, srv.handleOrthonormalize, Request{Dim: d.Dim, Num: d.Num, Vecs: d.Clone().Vecs})

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.NotEmpty(t, rr.Header().Get("X-Request-Id"))
		assert.Equal(t, "OK", resp.Status)
		assert.InDeltaSlice(t, d.Want, resp.Vecs, tol)
		mfc.AssertExpectations(t)
	})

	t.Run("Degenerate", func(t *testing.T) {
		rr, resp := postCBOR(t, srv.handleOrthonormalize, Request{Dim: 2, Num: 2, Vecs: []float64{1, 0, 2, 0}})

		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
		assert.Equal(t, "FAIL", resp.Status)
		assert.Contains(t, resp.Error, "vector 1")
		assert.InDeltaSlice(t, []float64{1, 0, 0, 0}, resp.Vecs, tol)
	})

	t.Run("Missing Buffer", func(t *testing.T) {
		rr, resp := postCBOR(t, srv.handleOrthonormalize, Request{Dim: 3, Num: 1})

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "FAIL", resp.Status)
	})

	t.Run("Overflowing Shape", func(t *testing.T) {
		var rr *httptest.ResponseRecorder
		var resp Response
		require.NotPanics(t, func() {
			rr, resp = postCBOR(t, srv.handleOrthonormalize, Request{Dim: 4, Num: 1 << 62, Vecs: []float64{1, 2, 3}})
		})

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "FAIL", resp.Status)
	})

	t.Run("Bad CBOR", func(t *testing.T) {
		r, _ := http.NewRequest("POST", "/orthonormalize", strings.NewReader("not cbor"))
		rr := httptest.NewRecorder()
		srv.handleOrthonormalize(rr, r)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Wrong Method", func(t *testing.T) {
		r, _ := http.NewRequest("GET", "/orthonormalize", nil)
		rr := httptest.NewRecorder()
		srv.handleOrthonormalize(rr, r)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})

	t.Run("Health Check", func(t *testing.T) {
		req, _ := http.NewRequest("GET", "/health", nil)
		rr := httptest.NewRecorder()

		srv.handleHealth(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "OK", rr.Body.String())
	})
}

func TestServer_Cache(t *testing.T) {
	ortho := &countingOrthonormalizer{Orthonormalizer: gramschmidt.New()}
	basisCache := cache.NewMapCache(8)
	srv, err := NewServer(ortho, nil, "", 1<<20, basisCache)
	require.NoError(t, err)
	d, _ := dataset.ByName("r4x3")

	for i := 0; i < 3; i++ {
		rr, resp := postCBOR(t, srv.handleOrthonormalize, Request{Dim: d.Dim, Num: d.Num, Vecs: d.Clone().Vecs})
		require.Equal(t, http.StatusOK, rr.Code)
		assert.InDeltaSlice(t, d.Want, resp.Vecs, tol)
	}

	assert.Equal(t, 1, ortho.calls)
	assert.Equal(t, 1, basisCache.Size())
}

func TestServer_CacheHitForwards(t *testing.T) {
	mfc := &mockFlightClient{}
	mfc.On("DoPut", mock.Anything, "test-dataset", mock.Anything).Return(nil).Twice()

	ortho := &countingOrthonormalizer{Orthonormalizer: gramschmidt.New()}
	srv, err := NewServer(ortho, mfc, "test-dataset", 1<<20, cache.NewMapCache(8))
	require.NoError(t, err)
	d, _ := dataset.ByName("r3x3")

	for i := 0; i < 2; i++ {
		rr, _ := postCBOR(t, srv.handleOrthonormalize, Request{Dim: d.Dim, Num: d.Num, Vecs: d.Clone().Vecs})
		require.Equal(t, http.StatusOK, rr.Code)
	}

	assert.Equal(t, 1, ortho.calls)
	mfc.AssertExpectations(t)
	mfc.AssertNumberOfCalls(t, "DoPut", 2)
}

func TestNewServer_RejectsNonPositiveInflight(t *testing.T) {
	for _, n := range []int{0, -1} {
		srv, err := NewServer(gramschmidt.New(), nil, "", n, nil)
		assert.Error(t, err)
		assert.Nil(t, srv)
	}
}

func TestServer_Busy(t *testing.T) {
	srv, err := NewServer(gramschmidt.New(), nil, "", 4, nil)
	require.NoError(t, err)
	require.True(t, srv.sem.TryAcquire(4))
	defer srv.sem.Release(4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	data, _ := cbor.Marshal(Request{Dim: 2, Num: 1, Vecs: []float64{1, 1}})
	r, _ := http.NewRequestWithContext(ctx, "POST", "/orthonormalize", bytes.NewReader(data))
	rr := httptest.NewRecorder()
	srv.handleOrthonormalize(rr, r)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func arrowStream(t *testing.T, sets ...[]float64) []byte {
	t.Helper()
	builder := client.NewRecordBatchBuilder(memory.NewGoAllocator())

	var buf bytes.Buffer
	var w *ipc.Writer
	for _, vecs := range sets {
		rb, err := builder.BuildRecordBatch(3, len(vecs)/3, vecs)
		require.NoError(t, err)
		if w == nil {
			w = ipc.NewWriter(&buf, ipc.WithSchema(rb.Schema()))
		}
		require.NoError(t, w.Write(rb))
		rb.Release()
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestServer_OrthonormalizeArrow(t *testing.T) {
	srv, err := NewServer(gramschmidt.New(), nil, "", 1<<20, nil)
	require.NoError(t, err)
	d, _ := dataset.ByName("r3x3")

	t.Run("Two Batches", func(t *testing.T) {
		body := arrowStream(t, d.Clone().Vecs, []float64{0, 0, 5})
		r, _ := http.NewRequest("POST", "/orthonormalize/arrow", bytes.NewReader(body))
		rr := httptest.NewRecorder()

		srv.handleOrthonormalizeArrow(rr, r)
		require.Equal(t, http.StatusOK, rr.Code)

		reader, err := ipc.NewReader(bytes.NewReader(rr.Body.Bytes()))
		require.NoError(t, err)
		defer reader.Release()

		var got [][]float64
		for reader.Next() {
			_, _, vecs, err := client.VectorsFromRecord(reader.Record())
			require.NoError(t, err)
			got = append(got, vecs)
		}
		require.NoError(t, reader.Err())
		require.Len(t, got, 2)
		assert.InDeltaSlice(t, d.Want, got[0], tol)
		assert.InDeltaSlice(t, []float64{0, 0, 1}, got[1], tol)
	})

	t.Run("Degenerate Batch", func(t *testing.T) {
		body := arrowStream(t, []float64{1, 0, 0, 2, 0, 0})
		r, _ := http.NewRequest("POST", "/orthonormalize/arrow", bytes.NewReader(body))
		rr := httptest.NewRecorder()

		srv.handleOrthonormalizeArrow(rr, r)
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	})

	t.Run("Not Arrow", func(t *testing.T) {
		r, _ := http.NewRequest("POST", "/orthonormalize/arrow", strings.NewReader("garbage"))
		rr := httptest.NewRecorder()

		srv.handleOrthonormalizeArrow(rr, r)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestRunReference(t *testing.T) {
	var out bytes.Buffer
	failed := runReference(gramschmidt.New(), "", &out)

	assert.False(t, failed)
	assert.Equal(t, 3, strings.Count(out.String(), "error: "))
	assert.Contains(t, out.String(), "Dim: 5, Num: 4")
}

func TestRunReference_Degenerate(t *testing.T) {
	var out bytes.Buffer
	failed := runReference(gramschmidt.New(gramschmidt.WithEpsilon(10)), "r3x3", &out)

	assert.True(t, failed)
	assert.Equal(t, 1, strings.Count(out.String(), "Dim: "))
}

func TestRunInput(t *testing.T) {
	d, _ := dataset.ByName("r4x3")
	data, err := cbor.Marshal(Request{Dim: d.Dim, Num: d.Num, Vecs: d.Clone().Vecs})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "input.cbor")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	var out bytes.Buffer
	require.NoError(t, runInput(gramschmidt.New(), nil, path, &out))

	reader, err := ipc.NewReader(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	defer reader.Release()

	require.True(t, reader.Next())
	dim, num, vecs, err := client.VectorsFromRecord(reader.Record())
	require.NoError(t, err)
	assert.Equal(t, d.Dim, dim)
	assert.Equal(t, d.Num, num)
	assert.InDeltaSlice(t, d.Want, vecs, tol)
}
