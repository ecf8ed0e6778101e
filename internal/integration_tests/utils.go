package integrationtests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"farmvision-backend/internal/core"
	"farmvision-backend/internal/database"
	"farmvision-backend/internal/messaging"
	"farmvision-backend/internal/storage"
	"farmvision-backend/pkg/api"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"
)

const (
	modelBucket = "test-model-bucket"
)

// firstClassClassifier always predicts class index 0.
type firstClassClassifier struct {
	numClasses int
}

func (m *firstClassClassifier) Predict(ctx context.Context, input core.Tensor) ([]float32, error) {
	scores := make([]float32, m.numClasses)
	scores[0] = 1
	return scores, nil
}

func (m *firstClassClassifier) Release() {}

func loadFirstClassClassifier(stage core.Stage, modelDir string) (core.Classifier, error) {
	classes, err := core.LoadClassIndexMap(stage.ClassIndexPath(modelDir))
	if err != nil {
		return nil, err
	}
	return &firstClassClassifier{numClasses: classes.Len()}, nil
}

// fakeTrainer writes the artifacts a real training command leaves behind.
type fakeTrainer struct{}

func (fakeTrainer) Train(ctx context.Context, opts core.TrainOptions) (core.TrainResult, error) {
	classes, err := core.NewClassIndexMap(listDirs(filepath.Join(opts.DatasetDir, "train")))
	if err != nil {
		return core.TrainResult{}, err
	}

	if err := os.MkdirAll(opts.OutputDir, os.ModePerm); err != nil {
		return core.TrainResult{}, err
	}
	modelPath := filepath.Join(opts.OutputDir, "model.onnx")
	if err := os.WriteFile(modelPath, []byte("onnx"), os.ModePerm); err != nil {
		return core.TrainResult{}, err
	}
	if err := classes.Save(filepath.Join(opts.OutputDir, "class_indices.json")); err != nil {
		return core.TrainResult{}, err
	}

	counts := make(map[string]int)
	for _, class := range classes.Names() {
		entries, _ := os.ReadDir(filepath.Join(opts.DatasetDir, "train", class))
		counts[class] = len(entries)
	}

	return core.TrainResult{
		Stage:       opts.Recipe.Stage,
		OutputDir:   opts.OutputDir,
		ModelPath:   modelPath,
		Classes:     classes,
		ClassCounts: counts,
	}, nil
}

func listDirs(dir string) []string {
	entries, _ := os.ReadDir(dir)
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs
}

// writeRawDataset creates root/<class>/img_<i>.png for every class.
func writeRawDataset(t *testing.T, root string, perClass int, classes ...string) {
	for _, class := range classes {
		dir := filepath.Join(root, class)
		require.NoError(t, os.MkdirAll(dir, os.ModePerm))
		for i := 0; i < perClass; i++ {
			require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("img_%d.png", i)), pngBytes(t), os.ModePerm))
		}
	}
}

func pngBytes(t *testing.T) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.RGBA{R: 120, G: 80, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func createDB(t *testing.T) *gorm.DB {
	db, err := database.NewDatabase(setupPostgresContainer(t, context.Background()))
	require.NoError(t, err)
	return db
}

func setupRabbitMQContainer(t *testing.T, ctx context.Context) (*messaging.RabbitMQPublisher, *messaging.RabbitMQReceiver) {
	ctr, err := rabbitmq.Run(ctx, "rabbitmq:3.11-management-alpine")
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "starting rabbitmq container")

	url, err := ctr.AmqpURL(ctx)
	require.NoError(t, err, "getting rabbitmq amqp url")

	publisher, err := messaging.NewRabbitMQPublisher(url)
	require.NoError(t, err)
	t.Cleanup(publisher.Close)

	receiver, err := messaging.NewRabbitMQReceiver(url)
	require.NoError(t, err)
	t.Cleanup(receiver.Close)

	return publisher, receiver
}

const (
	minioUser     = "farmvision"
	minioPassword = "farmvision-secret"
)

func setupObjectStore(t *testing.T, ctx context.Context) *storage.S3ObjectStore {
	t.Helper()

	ctr, err := minio.Run(ctx, "minio/minio:RELEASE.2024-01-16T16-07-38Z",
		minio.WithUsername(minioUser),
		minio.WithPassword(minioPassword),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "starting minio container")

	hostPort, err := ctr.ConnectionString(ctx)
	require.NoError(t, err, "getting minio endpoint")

	store, err := storage.NewS3ObjectStore(storage.S3ClientConfig{
		Endpoint:        "http://" + hostPort,
		Region:          "us-east-1",
		AccessKeyID:     minioUser,
		SecretAccessKey: minioPassword,
	})
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket(ctx, modelBucket))

	return store
}

func setupPostgresContainer(t *testing.T, ctx context.Context) string {
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("farmvision"),
		postgres.WithUsername("farmvision"),
		postgres.WithPassword("farmvision"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "starting postgres container")

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "getting postgres connection string")

	return dsn
}

// httpRequest sends payload as JSON to the router and decodes a 200 response
// into dest. Other statuses are returned as errors carrying the detail.
func httpRequest(router http.Handler, method, endpoint string, payload any, dest any) error {
	var body io.Reader = http.NoBody
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, endpoint, body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		var errResp api.ErrorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
			return fmt.Errorf("%s %s: status %d: %s", method, endpoint, rec.Code, rec.Body.String())
		}
		return fmt.Errorf("%s %s: status %d: %s", method, endpoint, rec.Code, errResp.Detail)
	}

	if dest == nil {
		return nil
	}
	return json.Unmarshal(rec.Body.Bytes(), dest)
}
