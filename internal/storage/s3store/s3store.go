// Пакет s3store — хранилище блобов в S3-совместимом бакете (AWS S3, MinIO).
// Ключ объекта = префикс + имя блоба, плоское пространство имён.
package s3store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/share-module/internal/storage/blob"
)

// Options — параметры подключения к бакету.
type Options struct {
	Endpoint     string // пусто — стандартный endpoint AWS
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	Prefix       string // необязательный префикс ключей, например "shares/"
	UsePathStyle bool   // MinIO и большинство self-hosted реализаций
}

// api — подмножество *s3.Client, используемое хранилищем.
type api interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store — блобы в S3-бакете.
type S3Store struct {
	client api
	bucket string
	prefix string
	// spoolDir — директория временных файлов для буферизации загрузки
	spoolDir string
}

var _ blob.Store = (*S3Store)(nil)

// New создаёт клиент S3 со статическими учётными данными.
func New(ctx context.Context, opts Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, errors.New("не указан бакет S3")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации AWS: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})

	return newWithClient(client, opts.Bucket, opts.Prefix), nil
}

func newWithClient(client api, bucket, prefix string) *S3Store {
	return &S3Store{
		client:   client,
		bucket:   bucket,
		prefix:   prefix,
		spoolDir: os.TempDir(),
	}
}

// Put буферизует поток во временный файл (нужна известная длина тела
// для подписи запроса), затем отправляет объект одним PutObject.
func (s *S3Store) Put(ctx context.Context, r io.Reader, ext string) (*blob.PutResult, error) {
	name := uuid.NewString() + ext
	if err := blob.ValidateName(name); err != nil {
		return nil, fmt.Errorf("%w: %q", err, name)
	}

	spool, err := os.CreateTemp(s.spoolDir, "share-s3-*")
	if err != nil {
		return nil, fmt.Errorf("ошибка создания буфера загрузки: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	hasher := sha256.New()
	size, err := io.Copy(spool, io.TeeReader(r, hasher))
	if err != nil {
		return nil, fmt.Errorf("ошибка буферизации данных: %w", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("ошибка перемотки буфера: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(name)),
		Body:          spool,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка PutObject %s: %w", name, err)
	}

	return &blob.PutResult{
		Name:     name,
		Size:     size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Rename — CopyObject под новым ключом и удаление исходного объекта.
func (s *S3Store) Rename(ctx context.Context, from, to string) error {
	if err := blob.ValidateName(from); err != nil {
		return fmt.Errorf("%w: %q", err, from)
	}
	if err := blob.ValidateName(to); err != nil {
		return fmt.Errorf("%w: %q", err, to)
	}

	exists, err := s.Exists(ctx, from)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", blob.ErrNotFound, from)
	}
	taken, err := s.Exists(ctx, to)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("%w: %s", blob.ErrAlreadyExists, to)
	}

	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(s.key(to)),
		CopySource: aws.String(s.bucket + "/" + url.PathEscape(s.key(from))),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", blob.ErrNotFound, from)
		}
		return fmt.Errorf("ошибка CopyObject %s → %s: %w", from, to, err)
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(from)),
	}); err != nil {
		return fmt.Errorf("ошибка удаления исходного объекта %s: %w", from, err)
	}

	return nil
}

// Remove удаляет объект. DeleteObject в S3 не сообщает об отсутствии,
// поэтому наличие проверяется HeadObject заранее.
func (s *S3Store) Remove(ctx context.Context, name string) (bool, error) {
	exists, err := s.Exists(ctx, name)
	if err != nil {
		return false, err
	}
	if !exists {
		return true, nil
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	}); err != nil {
		return false, fmt.Errorf("ошибка DeleteObject %s: %w", name, err)
	}
	return false, nil
}

// Exists проверяет наличие объекта через HeadObject.
func (s *S3Store) Exists(ctx context.Context, name string) (bool, error) {
	if err := blob.ValidateName(name); err != nil {
		return false, fmt.Errorf("%w: %q", err, name)
	}

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("ошибка HeadObject %s: %w", name, err)
}

// Open открывает поток чтения объекта.
func (s *S3Store) Open(ctx context.Context, name string) (*blob.Object, error) {
	if err := blob.ValidateName(name); err != nil {
		return nil, fmt.Errorf("%w: %q", err, name)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", blob.ErrNotFound, name)
		}
		return nil, fmt.Errorf("ошибка GetObject %s: %w", name, err)
	}

	return &blob.Object{
		ReadCloser: out.Body,
		Size:       aws.ToInt64(out.ContentLength),
		ModTime:    aws.ToTime(out.LastModified),
	}, nil
}

// List перечисляет объекты под префиксом постранично.
func (s *S3Store) List(ctx context.Context) ([]blob.Info, error) {
	var result []blob.Info

	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("ошибка ListObjectsV2: %w", err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			// Объекты во «вложенных директориях» не принадлежат хранилищу
			if blob.ValidateName(name) != nil {
				continue
			}
			result = append(result, blob.Info{
				Name:    name,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}

	return result, nil
}

// Kind возвращает тип хранилища.
func (s *S3Store) Kind() string {
	return "s3"
}

func (s *S3Store) key(name string) string {
	return s.prefix + name
}

// isNotFound распознаёт отсутствие объекта: HeadObject отвечает кодом
// NotFound без тела, GetObject и CopyObject — NoSuchKey.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
