package integrationtests

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestS3ObjectStore_PutAndListObjects(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	objectStore := setupObjectStore(t, ctx)

	require.NoError(t, objectStore.PutObject(ctx, modelBucket, "model-a/type_detector/model.onnx", bytes.NewReader([]byte("weights"))))
	require.NoError(t, objectStore.PutObject(ctx, modelBucket, "model-a/type_detector/class_indices.json", strings.NewReader(`{"cattle":0}`)))
	require.NoError(t, objectStore.PutObject(ctx, modelBucket, "model-b/cattle_breed/model.onnx", strings.NewReader("other")))

	objs, err := objectStore.ListObjects(ctx, modelBucket, "model-a")
	require.NoError(t, err)
	require.Len(t, objs, 2)

	sizes := map[string]int64{}
	for _, obj := range objs {
		sizes[obj.Name] = obj.Size
	}
	assert.Equal(t, int64(7), sizes["model-a/type_detector/model.onnx"])
	assert.Equal(t, int64(12), sizes["model-a/type_detector/class_indices.json"])
}

func TestS3ObjectStore_CreateBucketTwice(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	objectStore := setupObjectStore(t, ctx)

	require.NoError(t, objectStore.CreateBucket(ctx, modelBucket))
}

func TestS3ObjectStore_DeleteObjects(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	objectStore := setupObjectStore(t, ctx)

	deleted := uuid.NewString()
	kept := uuid.NewString()
	for _, key := range []string{deleted + "/type_detector/model.onnx", deleted + "/type_detector/class_indices.json", kept + "/type_detector/model.onnx"} {
		require.NoError(t, objectStore.PutObject(ctx, modelBucket, key, strings.NewReader(key)))
	}

	require.NoError(t, objectStore.DeleteObjects(ctx, modelBucket, deleted))

	objs, err := objectStore.ListObjects(ctx, modelBucket, deleted)
	require.NoError(t, err)
	assert.Empty(t, objs)

	objs, err = objectStore.ListObjects(ctx, modelBucket, kept)
	require.NoError(t, err)
	assert.Len(t, objs, 1)
}

func TestS3ObjectStore_UploadDownloadDir(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	objectStore := setupObjectStore(t, ctx)

	srcDir := t.TempDir()
	files := []string{"type_detector/model.onnx", "type_detector/class_indices.json", "cattle_breed/model.onnx"}
	for _, file := range files {
		filePath := filepath.Join(srcDir, file)
		require.NoError(t, os.MkdirAll(filepath.Dir(filePath), os.ModePerm))
		require.NoError(t, os.WriteFile(filePath, []byte("content: "+file), os.ModePerm))
	}

	require.NoError(t, objectStore.UploadDir(ctx, modelBucket, "uploaded", srcDir))

	objs, err := objectStore.ListObjects(ctx, modelBucket, "uploaded")
	require.NoError(t, err)
	assert.Len(t, objs, 3)

	destDir := filepath.Join(t.TempDir(), "download-target")
	require.NoError(t, objectStore.DownloadDir(ctx, modelBucket, "uploaded/type_detector", destDir, false))

	for _, file := range []string{"model.onnx", "class_indices.json"} {
		data, err := os.ReadFile(filepath.Join(destDir, file))
		require.NoError(t, err)
		assert.Equal(t, "content: type_detector/"+file, string(data))
	}
	assert.NoFileExists(t, filepath.Join(destDir, "cattle_breed", "model.onnx"))
}

func TestS3ObjectStore_DownloadDirReplacesStaleModel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	objectStore := setupObjectStore(t, ctx)

	modelDir := filepath.Join(t.TempDir(), "cattle_breed")
	require.NoError(t, os.MkdirAll(modelDir, os.ModePerm))
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "model.onnx"), []byte("old weights"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "stale.bin"), []byte("stale"), 0644))

	require.NoError(t, objectStore.PutObject(ctx, modelBucket, "retrained/cattle_breed/model.onnx", strings.NewReader("new weights")))
	require.NoError(t, objectStore.PutObject(ctx, modelBucket, "retrained/cattle_breed/class_indices.json", strings.NewReader(`{"Gir":0}`)))

	require.Error(t, objectStore.DownloadDir(ctx, modelBucket, "retrained/cattle_breed", modelDir, false))
	data, err := os.ReadFile(filepath.Join(modelDir, "model.onnx"))
	require.NoError(t, err)
	assert.Equal(t, "old weights", string(data))

	require.NoError(t, objectStore.DownloadDir(ctx, modelBucket, "retrained/cattle_breed", modelDir, true))
	data, err = os.ReadFile(filepath.Join(modelDir, "model.onnx"))
	require.NoError(t, err)
	assert.Equal(t, "new weights", string(data))
	assert.FileExists(t, filepath.Join(modelDir, "class_indices.json"))
	assert.NoFileExists(t, filepath.Join(modelDir, "stale.bin"))
}

func TestS3ObjectStore_DownloadMissingDir(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	objectStore := setupObjectStore(t, ctx)

	err := objectStore.DownloadDir(ctx, modelBucket, "does-not-exist", t.TempDir(), true)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
