package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nnunetserver/internal/artifact"
	"nnunetserver/internal/dataset"
	"nnunetserver/internal/gateway/handler"
	"nnunetserver/internal/gateway/repository/bundle"
	"nnunetserver/internal/gateway/server"
	"nnunetserver/internal/gateway/service/prediction"
	"nnunetserver/internal/imageio/mha"
	"nnunetserver/internal/queue"
	"nnunetserver/internal/workspace"
)

const ds1 = "Dataset001_DS1"

const ds1JSON = `{
    "name": "DS1",
    "labels": {"background": 0, "bladder": 1},
    "channel_names": {"0": "CBCT"},
    "file_ending": ".mha"
}`

type env struct {
	mux   http.Handler
	store *workspace.Store
}

func newEnv(t *testing.T, bundles bundle.Store) *env {
	t.Helper()
	root := t.TempDir()
	raw := filepath.Join(root, "raw")
	require.NoError(t, os.MkdirAll(filepath.Join(raw, ds1), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(raw, ds1, "dataset.json"), []byte(ds1JSON), 0o644))

	datasets, err := dataset.NewFileDirectory(raw, dataset.DefaultCacheConfig())
	require.NoError(t, err)
	store, err := workspace.NewStore(filepath.Join(root, "predictions"))
	require.NoError(t, err)

	svc := prediction.New(prediction.Deps{
		Datasets: datasets,
		Store:    store,
		Queue:    queue.NewMemoryQueue(),
		Index:    artifact.Index{},
		Bundles:  bundles,
		Config:   prediction.DefaultConfig(),
		Logger:   zerolog.Nop(),
	})
	h := handler.New(svc, datasets, handler.Options{WatchInterval: 10 * time.Millisecond})
	return &env{mux: server.NewMux(h, zerolog.Nop()), store: store}
}

func (e *env) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func (e *env) get(t *testing.T, target string) *httptest.ResponseRecorder {
	return e.do(t, httptest.NewRequest(http.MethodGet, target, nil))
}

func multipartRequest(t *testing.T, target string, fields map[string]string, fileField, fileName string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileField != "" {
		fw, err := mw.CreateFormFile(fileField, fileName)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (e *env) submit(t *testing.T) string {
	t.Helper()
	rec := e.do(t, multipartRequest(t, "/predictions", map[string]string{
		"dataset_id":   ds1,
		"requester_id": "vtk_image_labeler_3d@test",
		"image_id":     "bladder_cbct",
		"site":         "north",
	}, "image", "cbct.mha", []byte("image-bytes")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "north", body["site"])
	assert.NotEmpty(t, body["job_id"])
	assert.Equal(t, []any{"bladder_cbct"}, body["image_id_list"])
	return body["req_id"].(string)
}

func (e *env) writeLabel(t *testing.T, reqID string) {
	t.Helper()
	ws, err := e.store.Open(context.Background(), ds1, reqID)
	require.NoError(t, err)
	g := mha.IdentityGeometry(3, 3, 1)
	data := make([]byte, g.Len())
	data[g.Offset(1, 1, 0)] = 1
	var buf bytes.Buffer
	require.NoError(t, mha.Encode(&buf, &mha.Image{Geometry: g, ElementType: mha.MetUChar, Data: data}, false))
	require.NoError(t, os.MkdirAll(ws.OutputsDir(), 0o755))
	require.NoError(t, os.WriteFile(ws.OutputPath("image_0.mha"), buf.Bytes(), 0o644))
}

func TestHealthz(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSubmitAndRead(t *testing.T) {
	e := newEnv(t, nil)
	reqID := e.submit(t)

	rec := e.get(t, "/prediction?dataset_id="+ds1+"&req_id="+reqID)
	require.Equal(t, http.StatusOK, rec.Code)
	item := decode[map[string]any](t, rec)
	assert.Equal(t, false, item["completed"])
	assert.Equal(t, "pending", item["state"])
	assert.Equal(t, []any{"image_0_0000.mha"}, item["input_images"])

	e.writeLabel(t, reqID)
	rec = e.get(t, "/predictions?dataset_id="+ds1)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decode[[]map[string]any](t, rec)
	require.Len(t, items, 1)
	assert.Equal(t, reqID, items[0]["req_id"])
	assert.Equal(t, true, items[0]["completed"])

	rec = e.get(t, "/predictions/job_status?dataset_id="+ds1+"&req_id="+reqID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "queued", decode[map[string]any](t, rec)["status"])
}

func TestSubmitErrors(t *testing.T) {
	e := newEnv(t, nil)

	rec := e.do(t, multipartRequest(t, "/predictions", map[string]string{
		"dataset_id": ds1, "requester_id": "c", "image_id": "a",
	}, "", "", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["detail"], "image is required")

	rec = e.do(t, multipartRequest(t, "/predictions", map[string]string{
		"dataset_id": "Dataset404_Missing", "requester_id": "c", "image_id": "a",
	}, "image", "a.mha", []byte("x")))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, httptest.NewRequest(http.MethodPost, "/predictions", strings.NewReader("{}")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ids, err := e.store.List(context.Background(), ds1)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func zipOf(t *testing.T, names ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, n := range names {
		w, err := zw.Create(n)
		require.NoError(t, err)
		_, err = w.Write([]byte(n))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestSubmitZip(t *testing.T) {
	e := newEnv(t, nil)

	rec := e.do(t, multipartRequest(t, "/predictions_zip", map[string]string{
		"dataset_id": ds1, "requester_id": "c", "image_id_list": "a|b|c",
	}, "images_zip", "images.zip", zipOf(t, "x.mha", "y.mha")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["detail"], "mismatch")

	rec = e.do(t, multipartRequest(t, "/predictions_zip", map[string]string{
		"dataset_id": ds1, "requester_id": "c", "image_id_list": "a|b", "image_manifest": "y.mha|x.mha",
	}, "images_zip", "images.zip", zipOf(t, "x.mha", "y.mha")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "success", body["status"])
	req := body["req"].(map[string]any)
	assert.Equal(t, []any{"a", "b"}, req["image_id_list"])
	assert.Equal(t, []any{"y.mha", "x.mha"}, req["archive_members"])
	assert.NotContains(t, req, "image_manifest")

	ids, err := e.store.List(context.Background(), ds1)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestDelete(t *testing.T) {
	e := newEnv(t, nil)
	reqID := e.submit(t)

	rec := e.do(t, httptest.NewRequest(http.MethodDelete, "/predictions?dataset_id="+ds1+"&req_id=req_00000000-0000-0000-0000-000000000000", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, httptest.NewRequest(http.MethodDelete, "/predictions?dataset_id="+ds1+"&req_id="+reqID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Request '"+reqID+"' deleted.", decode[map[string]string](t, rec)["message"])

	rec = e.get(t, "/prediction?dataset_id="+ds1+"&req_id="+reqID)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestContourPoints(t *testing.T) {
	e := newEnv(t, nil)
	reqID := e.submit(t)
	base := "/predictions/contour_points?dataset_id=" + ds1 + "&req_id=" + reqID + "&image_number=0"

	rec := e.get(t, base+"&contour_number=1")
	assert.Equal(t, http.StatusNotFound, rec.Code, "label not produced yet")

	e.writeLabel(t, reqID)
	rec = e.get(t, base+"&contour_number=1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sets := decode[map[string][][][3]float64](t, rec)
	assert.Len(t, sets, 3)
	assert.Equal(t, [][][3]float64{{{1, 1, 0}}}, sets["points_I"])

	rec = e.get(t, base+"&contour_number=1&coordinate_systems=w")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string]any](t, rec), 1)

	rec = e.get(t, base+"&contour_number=7")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.get(t, "/predictions/contour_points?dataset_id="+ds1+"&req_id="+reqID+"&contour_number=1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImageLabelMetadata(t *testing.T) {
	e := newEnv(t, nil)
	reqID := e.submit(t)
	rec := e.get(t, "/predictions/image_and_label_metadata?dataset_id="+ds1+"&req_id="+reqID+"&image_number=0")
	require.Equal(t, http.StatusOK, rec.Code)
	md := decode[map[string]any](t, rec)
	assert.Equal(t, []any{"image_0_0000.mha"}, md["image_names"])
	assert.Equal(t, "image_0.mha", md["label_name"])
}

func TestDownload(t *testing.T) {
	e := newEnv(t, bundle.NewMemoryStore("http://bundles.test"))
	reqID := e.submit(t)
	e.writeLabel(t, reqID)
	target := "/predictions/download_images_and_label_files?dataset_id=" + ds1 + "&req_id=" + reqID + "&image_number=0"

	rec := e.get(t, target)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), reqID+"_image_0.zip")

	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"image_0_0000.mha", "image_0.mha"}, names)

	rec = e.get(t, target+"&presign=1")
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "http://bundles.test/"+ds1+"/"+reqID+"/"))

	rec = e.get(t, "/predictions/download_images_and_label_files?dataset_id="+ds1+"&req_id="+reqID+"&image_number=3")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDatasets(t *testing.T) {
	e := newEnv(t, nil)

	rec := e.get(t, "/dataset_json/id-list")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["`+ds1+`"]`, rec.Body.String())

	rec = e.do(t, httptest.NewRequest(http.MethodPost, "/dataset_json/new", strings.NewReader(`{
		"name": "Pelvis",
		"labels": {"background": 0, "rectum": 2},
		"channel_names": {"0": "CT"},
		"file_ending": ".mha"
	}`)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := decode[map[string]any](t, rec)
	ds := created["dataset"].(map[string]any)
	assert.True(t, dataset.ValidKey(ds["id"].(string)))
	assert.True(t, strings.HasSuffix(ds["id"].(string), "_Pelvis"))

	rec = e.do(t, httptest.NewRequest(http.MethodPost, "/dataset_json/new", strings.NewReader(`{"name": "ds1", "labels": {"a": 1}, "channel_names": {"0": "CT"}, "file_ending": ".mha"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, httptest.NewRequest(http.MethodPost, "/dataset_json/new", strings.NewReader(`not json`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.get(t, "/dataset_json/list")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]map[string]any](t, rec), 2)
}

func TestWatch(t *testing.T) {
	e := newEnv(t, nil)
	reqID := e.submit(t)
	srv := httptest.NewServer(e.mux)
	defer srv.Close()

	rec := e.get(t, "/predictions/watch?dataset_id="+ds1+"&req_id=req_00000000-0000-0000-0000-000000000000")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/predictions/watch?dataset_id=" + ds1 + "&req_id=" + reqID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var msg struct {
		Type string         `json:"type"`
		Item map[string]any `json:"item"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "status", msg.Type)
	assert.Equal(t, "pending", msg.Item["state"])

	e.writeLabel(t, reqID)
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "completed", msg.Item["state"])

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}
