package web

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"SawitDetServer/engine"
	"SawitDetServer/engine/enginetest"
	iface "SawitDetServer/interface"
	"SawitDetServer/monitor"
	"SawitDetServer/pipeline"
	"SawitDetServer/session"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var oneBunch = []iface.Detection{{Box: image.Rect(10, 12, 40, 36), Confidence: 0.837, Class: 1}}

type fakeSource struct {
	mu     sync.Mutex
	n      int
	delay  time.Duration
	reads  int
	closes int
}

func (s *fakeSource) Read(m *gocv.Mat) bool {
	s.mu.Lock()
	if s.reads >= s.n {
		s.mu.Unlock()
		return false
	}
	s.reads++
	s.mu.Unlock()
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(40, 80, 120, 0), 48, 64, gocv.MatTypeCV8UC3)
	defer frame.Close()
	frame.CopyTo(m)
	return true
}

func (s *fakeSource) Get(prop gocv.VideoCaptureProperties) float64 {
	switch prop {
	case gocv.VideoCaptureFPS:
		return 25
	case gocv.VideoCaptureFrameWidth:
		return 64
	case gocv.VideoCaptureFrameHeight:
		return 48
	}
	return 0
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) counts() (reads, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads, s.closes
}

type testServer struct {
	router  *gin.Engine
	store   *session.Store
	model   *enginetest.Fake
	metrics *monitor.Metrics
	src     *fakeSource
	openErr error
}

func newTestServer(t *testing.T, model *enginetest.Fake, frames int) *testServer {
	ts := &testServer{
		store:   session.NewStore(time.Minute),
		model:   model,
		metrics: monitor.New(),
		src:     &fakeSource{n: frames},
	}
	t.Cleanup(ts.store.Close)
	srv := New(Options{
		Model:       model,
		Store:       ts.store,
		Metrics:     ts.metrics,
		DefaultConf: 0.3,
		UploadDir:   t.TempDir(),
		MaxUpload:   8 << 20,
		Opener: func(string) (pipeline.FrameSource, error) {
			if ts.openErr != nil {
				return nil, ts.openErr
			}
			return ts.src, nil
		},
	})
	ts.router = srv.Router()
	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) newSession(t *testing.T) string {
	rec := ts.do(httptest.NewRequest(http.MethodPost, "/api/sessions", nil))
	require.Equal(t, http.StatusCreated, rec.Code)
	var body struct{ Data session.Snapshot }
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Data.ID)
	return body.Data.ID
}

func (ts *testServer) upload(t *testing.T, path, filename string, data []byte, fields map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if filename != "" {
		part, err := w.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return ts.do(req)
}

func pngBytes(t *testing.T, w, h int) []byte {
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(30, 60, 90, 0), h, w, gocv.MatTypeCV8UC3)
	defer m.Close()
	data, err := pipeline.EncodeImage(m, gocv.PNGFileExt)
	require.NoError(t, err)
	return data
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var body struct{ Data T }
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Data
}

func TestPingAndClasses(t *testing.T) {
	ts := newTestServer(t, enginetest.NewFake(), 0)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"pong"}`, rec.Body.String())

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/api/classes", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	classes := decodeData[[]classInfo](t, rec)
	require.Len(t, classes, 4)
	assert.Equal(t, classInfo{Index: 1, Name: "matang", Color: "#ef766f"}, classes[1])
	assert.Equal(t, "terlalu matang", classes[3].Name)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/api/engine", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fake", decodeData[iface.EngineConfig](t, rec).Backend)

	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.HTTPTotal.WithLabelValues("GET", "/api/ping", "200")))
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t, enginetest.NewFake(), 0)
	id := ts.newSession(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/sessions/"+id, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decodeData[session.Snapshot](t, rec).ID)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/api/sessions/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "session not found")

	rec = ts.do(httptest.NewRequest(http.MethodDelete, "/api/sessions/"+id, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(httptest.NewRequest(http.MethodDelete, "/api/sessions/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestImageDetection(t *testing.T) {
	ts := newTestServer(t, enginetest.NewFake(oneBunch), 0)
	id := ts.newSession(t)
	img := pngBytes(t, 80, 60)
	path := "/api/sessions/" + id + "/image"

	rec := ts.upload(t, path, "tbs.png", img, map[string]string{"confidence": "0.5"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeData[imageResponse](t, rec)
	assert.Equal(t, pipeline.StatusDetected, res.Status)
	assert.Equal(t, msgImageDetected, res.Message)
	assert.True(t, res.DownloadReady)
	assert.Equal(t, 80, res.Width)
	require.Len(t, res.Detections, 1)
	assert.Equal(t, "matang (83.7%)", res.Detections[0].Label)
	assert.Equal(t, [4]int{10, 12, 40, 36}, res.Detections[0].Box)
	assert.InDelta(t, 0.5, ts.model.Confs[0], 1e-6)

	rec = ts.do(httptest.NewRequest(http.MethodGet, path+"/result", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), imageDownloadName)
	out, err := pipeline.DecodeImage(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 80, out.Cols())
	assert.Equal(t, 60, out.Rows())
	_ = out.Close()

	snap, err := ts.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "tbs.png", snap.ImageName)
	assert.True(t, snap.DownloadImage)

	// a stricter threshold finds nothing and withdraws the download
	rec = ts.upload(t, path, "tbs.png", img, map[string]string{"confidence": "0.9"})
	require.Equal(t, http.StatusOK, rec.Code)
	res = decodeData[imageResponse](t, rec)
	assert.Equal(t, pipeline.StatusNotFound, res.Status)
	assert.Equal(t, msgImageNotFound, res.Message)
	assert.Empty(t, res.Detections)
	rec = ts.do(httptest.NewRequest(http.MethodGet, path+"/result", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.ImagesDetected))
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.ImagesNotFound))
}

func TestImageDetectionErrors(t *testing.T) {
	ts := newTestServer(t, enginetest.NewFake(oneBunch), 0)
	id := ts.newSession(t)
	path := "/api/sessions/" + id + "/image"
	img := pngBytes(t, 32, 32)

	rec := ts.upload(t, path, "tbs.png", img, map[string]string{"confidence": "1.5"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.upload(t, path, "tbs.png", img, map[string]string{"confidence": "high"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.upload(t, path, "", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.upload(t, path, "notes.txt", []byte("not an image"), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec = ts.upload(t, "/api/sessions/nope/image", "tbs.png", img, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, ts.model.CallCount())

	ts.model.Err = errors.New("model crashed")
	rec = ts.upload(t, path, "tbs.png", img, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "model crashed")
}

func TestUploadTooLarge(t *testing.T) {
	ts := newTestServer(t, enginetest.NewFake(oneBunch), 3)
	id := ts.newSession(t)
	big := bytes.Repeat([]byte{0xff}, 9<<20)

	rec := ts.upload(t, "/api/sessions/"+id+"/image", "tbs.png", big, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())
	rec = ts.upload(t, "/api/sessions/"+id+"/video", "kebun.mp4", big, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())

	assert.Zero(t, ts.model.CallCount())
	snap, err := ts.store.Get(id)
	require.NoError(t, err)
	assert.Empty(t, snap.ImageName)
	assert.False(t, snap.VideoUploaded)
}

func TestVideoDetect(t *testing.T) {
	ts := newTestServer(t, enginetest.NewFake(nil, oneBunch), 3)
	id := ts.newSession(t)
	base := "/api/sessions/" + id + "/video"

	rec := ts.do(httptest.NewRequest(http.MethodPost, base+"/detect", nil))
	assert.Equal(t, http.StatusConflict, rec.Code, "detect before upload")

	rec = ts.upload(t, base, "kebun.mp4", []byte("fake mp4 bytes"), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	snap := decodeData[session.Snapshot](t, rec)
	assert.True(t, snap.VideoUploaded)
	assert.Equal(t, "kebun.mp4", snap.VideoName)
	assert.False(t, snap.VideoReady)

	rec = ts.do(httptest.NewRequest(http.MethodPost, base+"/detect?confidence=0.4", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sum := decodeData[videoSummary](t, rec)
	assert.Equal(t, pipeline.StatusDetected, sum.Status)
	assert.Equal(t, 3, sum.Frames)
	assert.Equal(t, 2, sum.FramesWithDetections)
	assert.Equal(t, 2, sum.Detections)
	assert.Equal(t, 25.0, sum.FPS)
	assert.Equal(t, 64, sum.Width)
	assert.True(t, sum.DownloadReady)
	_, closes := ts.src.counts()
	assert.Equal(t, 1, closes)

	snap, err := ts.store.Get(id)
	require.NoError(t, err)
	assert.True(t, snap.VideoReady)
	assert.Equal(t, 3, snap.VideoFrames)
	assert.InDelta(t, 0.4, snap.Confidence, 1e-6)
	assert.Equal(t, 3.0, testutil.ToFloat64(ts.metrics.FramesAnnotated))

	rec = ts.do(httptest.NewRequest(http.MethodGet, base+"/result", nil))
	if rec.Code == http.StatusInternalServerError {
		t.Skipf("video writer unavailable in this OpenCV build: %s", rec.Body.String())
	}
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Body.Bytes())
}

func TestVideoNothingFound(t *testing.T) {
	ts := newTestServer(t, enginetest.NewFake(), 2)
	id := ts.newSession(t)
	base := "/api/sessions/" + id + "/video"
	require.Equal(t, http.StatusCreated, ts.upload(t, base, "kebun.mp4", []byte("x"), nil).Code)

	rec := ts.do(httptest.NewRequest(http.MethodPost, base+"/detect", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decodeData[videoSummary](t, rec)
	assert.Equal(t, pipeline.StatusNotFound, sum.Status)
	assert.Equal(t, msgVideoNotFound, sum.Message)
	assert.Equal(t, 2, sum.Frames)
	assert.True(t, sum.DownloadReady, "annotated frames are still downloadable")
}

func TestVideoErrors(t *testing.T) {
	ts := newTestServer(t, enginetest.NewFake(oneBunch), 3)
	id := ts.newSession(t)
	base := "/api/sessions/" + id + "/video"
	require.Equal(t, http.StatusCreated, ts.upload(t, base, "kebun.mp4", []byte("x"), nil).Code)

	rec := ts.do(httptest.NewRequest(http.MethodGet, base+"/result", nil))
	assert.Equal(t, http.StatusConflict, rec.Code, "no result yet")

	ts.openErr = errors.New("unsupported codec")
	rec = ts.do(httptest.NewRequest(http.MethodPost, base+"/detect", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Zero(t, ts.model.CallCount())
	ts.openErr = nil

	ts.model.Err = errors.New("inference failed")
	ts.model.FailAt = 1
	rec = ts.do(httptest.NewRequest(http.MethodPost, base+"/detect", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	snap, err := ts.store.Get(id)
	require.NoError(t, err)
	assert.False(t, snap.VideoReady)
	_, closes := ts.src.counts()
	assert.Equal(t, 1, closes)

	rec = ts.do(httptest.NewRequest(http.MethodPost, "/api/sessions/nope/video/detect", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPredictEndpoint(t *testing.T) {
	ts := newTestServer(t, enginetest.NewFake(oneBunch), 0)
	srv := httptest.NewServer(ts.router)
	defer srv.Close()

	img := pngBytes(t, 64, 64)
	frame, err := pipeline.DecodeImage(img)
	require.NoError(t, err)
	defer frame.Close()

	// the HTTP backend talks to this endpoint
	remote := engine.NewRemoteDetector(srv.URL, time.Second, nil)
	dets, err := remote.Predict(t.Context(), frame, 0.5)
	require.NoError(t, err)
	assert.Equal(t, oneBunch[0].Box, dets[0].Box)
	assert.Equal(t, 1, dets[0].Class)

	dets, err = remote.Predict(t.Context(), frame, 0.9)
	require.NoError(t, err)
	assert.Empty(t, dets)

	body, _ := json.Marshal(engine.PredictRequest{
		Image:      "data:image/png;base64," + base64.StdEncoding.EncodeToString(img),
		Confidence: 0.5,
	})
	rec := ts.do(httptest.NewRequest(http.MethodPost, "/api/predict", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp engine.PredictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Len(t, resp.Detections, 1)

	rec = ts.do(httptest.NewRequest(http.MethodPost, "/api/predict", strings.NewReader(`{"image":"%%%","confidence":0.5}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Message)
}
