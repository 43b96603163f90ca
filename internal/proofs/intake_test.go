package proofs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)

type testFile struct {
	name        string
	contentType string
	data        []byte
}

func fileHeaders(t *testing.T, files ...testFile) []*multipart.FileHeader {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for _, file := range files {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename="%s"`, file.name))
		if file.contentType != "" {
			header.Set("Content-Type", file.contentType)
		}
		part, err := writer.CreatePart(header)
		if err != nil {
			t.Fatalf("unexpected part error: %v", err)
		}
		if _, err := part.Write(file.data); err != nil {
			t.Fatalf("unexpected write error: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	form, err := multipart.NewReader(body, writer.Boundary()).ReadForm(32 << 20)
	if err != nil {
		t.Fatalf("unexpected form error: %v", err)
	}
	t.Cleanup(func() { _ = form.RemoveAll() })
	return form.File["files"]
}

type recordingClient struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (c *recordingClient) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if c.err != nil {
		return nil, c.err
	}
	body, _ := io.ReadAll(params.Body)
	c.inputs = append(c.inputs, params)
	c.bodies = append(c.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestBuildInlinesImages(t *testing.T) {
	intake := NewIntake(Config{})
	proof, err := intake.Build(context.Background(), "0xabc", Fields{URL: " https://x.com/status/1 ", Note: "done"},
		fileHeaders(t, testFile{name: "shot.png", contentType: "image/png", data: pngBytes}))
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	if proof.URL != "https://x.com/status/1" || proof.Note != "done" {
		t.Fatalf("unexpected fields: %+v", proof)
	}
	if len(proof.Files) != 1 {
		t.Fatalf("expected one file, got %d", len(proof.Files))
	}
	file := proof.Files[0]
	if file.Name != "shot.png" || file.Type != "image/png" || file.Size != int64(len(pngBytes)) {
		t.Fatalf("unexpected file: %+v", file)
	}
	if !strings.HasPrefix(file.DataURL, "data:image/png;base64,") || file.URL != "" {
		t.Fatalf("expected inline data url, got %+v", file)
	}
}

func TestBuildRejectsInvalidAttachments(t *testing.T) {
	gifBytes := []byte("GIF89a\x01\x00\x01\x00")
	testCases := []struct {
		name   string
		config Config
		files  []testFile
		want   error
	}{
		{
			name:   "too many",
			config: Config{MaxFiles: 1},
			files: []testFile{
				{name: "a.png", data: pngBytes},
				{name: "b.png", data: pngBytes},
			},
			want: ErrTooManyFiles,
		},
		{
			name:   "too large",
			config: Config{MaxBytes: 16},
			files:  []testFile{{name: "a.png", data: pngBytes}},
			want:   ErrFileTooLarge,
		},
		{
			name:  "not an image",
			files: []testFile{{name: "a.png", contentType: "image/png", data: []byte("plain text pretending")}},
			want:  ErrUnsupportedType,
		},
		{
			name:  "declared type disagrees",
			files: []testFile{{name: "a.png", contentType: "image/png", data: gifBytes}},
			want:  ErrUnsupportedType,
		},
		{
			name:  "empty",
			files: []testFile{{name: "a.png", data: nil}},
			want:  ErrEmptyFile,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			intake := NewIntake(testCase.config)
			_, err := intake.Build(context.Background(), "0xabc", Fields{}, fileHeaders(t, testCase.files...))
			if !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestBuildAcceptsGenericDeclaredType(t *testing.T) {
	intake := NewIntake(Config{})
	proof, err := intake.Build(context.Background(), "0xabc", Fields{},
		fileHeaders(t, testFile{name: "upload", contentType: "application/octet-stream", data: pngBytes}))
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	if proof.Files[0].Type != "image/png" {
		t.Fatalf("expected sniffed type, got %s", proof.Files[0].Type)
	}
}

func TestBuildUploadsToObjectStore(t *testing.T) {
	client := &recordingClient{}
	store := NewS3StoreWithClient(client, S3Config{Bucket: "proofs-bucket", PublicBaseURL: "https://cdn.example.com/"})
	intake := NewIntake(Config{Store: store})

	proof, err := intake.Build(context.Background(), "0xABC", Fields{TxRef: "0xdeadbeef"},
		fileHeaders(t, testFile{name: "shot.png", contentType: "image/png", data: pngBytes}))
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	if len(client.inputs) != 1 {
		t.Fatalf("expected one upload, got %d", len(client.inputs))
	}
	input := client.inputs[0]
	if *input.Bucket != "proofs-bucket" || *input.ContentType != "image/png" {
		t.Fatalf("unexpected upload input: %+v", input)
	}
	if !strings.HasPrefix(*input.Key, "proofs/0xabc/") || !strings.HasSuffix(*input.Key, ".png") {
		t.Fatalf("unexpected object key %s", *input.Key)
	}
	if !bytes.Equal(client.bodies[0], pngBytes) {
		t.Fatalf("uploaded body differs")
	}
	file := proof.Files[0]
	if file.URL != "https://cdn.example.com/"+*input.Key || file.DataURL != "" {
		t.Fatalf("unexpected uploaded file: %+v", file)
	}
	if proof.TxRef != "0xdeadbeef" {
		t.Fatalf("expected tx ref, got %q", proof.TxRef)
	}
}

func TestBuildSurfacesUploadFailure(t *testing.T) {
	client := &recordingClient{err: errors.New("access denied")}
	intake := NewIntake(Config{Store: NewS3StoreWithClient(client, S3Config{Bucket: "b", Endpoint: "https://r2.example.com"})})
	_, err := intake.Build(context.Background(), "0xabc", Fields{},
		fileHeaders(t, testFile{name: "shot.png", data: pngBytes}))
	if err == nil || !strings.Contains(err.Error(), "access denied") {
		t.Fatalf("expected upload failure, got %v", err)
	}
}

func TestS3PublicURLDefaults(t *testing.T) {
	testCases := []struct {
		name   string
		config S3Config
		want   string
	}{
		{name: "public base", config: S3Config{Bucket: "b", PublicBaseURL: "https://cdn/"}, want: "https://cdn"},
		{name: "endpoint", config: S3Config{Bucket: "b", Endpoint: "https://r2.example.com/"}, want: "https://r2.example.com/b"},
		{name: "aws region", config: S3Config{Bucket: "b", Region: "eu-west-1"}, want: "https://b.s3.eu-west-1.amazonaws.com"},
		{name: "aws default", config: S3Config{Bucket: "b"}, want: "https://b.s3.us-east-1.amazonaws.com"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			store := NewS3StoreWithClient(&recordingClient{}, testCase.config)
			if store.publicBaseURL != testCase.want {
				t.Fatalf("expected %s, got %s", testCase.want, store.publicBaseURL)
			}
		})
	}
}

func TestNewS3StoreRequiresBucket(t *testing.T) {
	if _, err := NewS3Store(context.Background(), S3Config{}); !errors.Is(err, errMissingBucket) {
		t.Fatalf("expected missing bucket error, got %v", err)
	}
}
