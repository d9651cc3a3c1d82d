package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/okian/rollcall/internal/domain/gallery"
	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/pkg/logger"
)

// importRecord is one identity in a gallery import file.
type importRecord struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"display_name"`
	ExternalRef string            `json:"external_ref,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Embeddings  []struct {
		Values []float32 `json:"values"`
		Model  string    `json:"model"`
	} `json:"embeddings"`
}

func (r importRecord) identity() model.EnrolledIdentity {
	id := model.EnrolledIdentity{
		ID:          r.ID,
		DisplayName: r.DisplayName,
		ExternalRef: r.ExternalRef,
		Metadata:    r.Metadata,
	}
	for _, e := range r.Embeddings {
		id.Embeddings = append(id.Embeddings, model.Embedding{Values: e.Values, Model: e.Model})
	}
	return id
}

// importer is the part of the service gallery import needs.
type importer interface {
	Enroll(ctx context.Context, identity model.EnrolledIdentity) (model.EnrolledIdentity, error)
	Reenroll(ctx context.Context, identityID string, embeddings []model.Embedding) error
	EnrollFromImage(ctx context.Context, identityID string, frame model.Frame) (model.Embedding, error)
}

type importResult struct {
	Enrolled int
	Replaced int
	Skipped  int
	Failed   int
}

var (
	importReplace bool
	importImages  bool
)

var galleryCmd = &cobra.Command{
	Use:   "gallery",
	Short: "Manage the enrolled gallery",
}

var galleryImportCmd = &cobra.Command{
	Use:   "import <file.json | dir>",
	Short: "Enroll identities from a JSON file or sample images from a directory",
	Long: `With a JSON file, enrolls each record of the form
{"id", "display_name", "external_ref", "metadata", "embeddings": [{"values", "model"}]}.

With --images, the argument is a directory holding one subdirectory per
enrolled identity id; every image inside is run through the vision backend
and appended as a sample.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		cfg.NotifySink = "none"
		a, err := startApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Stop()

		var res importResult
		if importImages {
			res, err = importImageDir(ctx, a.svc, args[0])
		} else {
			res, err = importFile(ctx, a.svc, args[0], importReplace)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nenrolled=%d replaced=%d skipped=%d failed=%d\n",
			res.Enrolled, res.Replaced, res.Skipped, res.Failed)
		return err
	},
}

func init() {
	galleryImportCmd.Flags().BoolVar(&importReplace, "replace", false, "replace embeddings of identities that already exist")
	galleryImportCmd.Flags().BoolVar(&importImages, "images", false, "treat the argument as a directory of sample images")
	galleryCmd.AddCommand(galleryImportCmd)
	rootCmd.AddCommand(galleryCmd)
}

func newBar(n int, desc string) *progressbar.ProgressBar {
	return progressbar.NewOptions(n,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString(desc),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)
}

func importFile(ctx context.Context, svc importer, path string, replace bool) (importResult, error) {
	var res importResult
	data, err := os.ReadFile(path)
	if err != nil {
		return res, err
	}
	var records []importRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return res, fmt.Errorf("parse %s: %w", path, err)
	}

	log := logger.Named("import")
	bar := newBar(len(records), "identities")
	for _, r := range records {
		_ = bar.Add(1)
		ident := r.identity()
		_, err := svc.Enroll(ctx, ident)
		switch {
		case err == nil:
			res.Enrolled++
		case errors.Is(err, gallery.ErrIdentityExists) && replace:
			if err := svc.Reenroll(ctx, ident.ID, ident.Embeddings); err != nil {
				res.Failed++
				log.Warn(ctx, "reenroll failed", logger.String("identity_id", ident.ID), logger.Error(err))
				continue
			}
			res.Replaced++
		case errors.Is(err, gallery.ErrIdentityExists):
			res.Skipped++
		default:
			res.Failed++
			log.Warn(ctx, "enroll failed", logger.String("identity_id", ident.ID), logger.Error(err))
		}
	}
	_ = bar.Finish()
	if res.Failed > 0 {
		return res, fmt.Errorf("%d of %d identities failed to import", res.Failed, len(records))
	}
	return res, nil
}

type sampleImage struct {
	identityID string
	path       string
}

func listSampleImages(dir string) ([]sampleImage, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []sampleImage
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if f.IsDir() || contentType(f.Name()) == "" {
				continue
			}
			out = append(out, sampleImage{identityID: e.Name(), path: filepath.Join(dir, e.Name(), f.Name())})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out, nil
}

// contentType returns the image media type for a file name, or "" for
// anything that is not an image.
func contentType(name string) string {
	ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	if !strings.HasPrefix(ct, "image/") {
		return ""
	}
	return ct
}

func importImageDir(ctx context.Context, svc importer, dir string) (importResult, error) {
	var res importResult
	images, err := listSampleImages(dir)
	if err != nil {
		return res, err
	}

	log := logger.Named("import")
	bar := newBar(len(images), "images")
	for _, img := range images {
		_ = bar.Add(1)
		data, err := os.ReadFile(img.path)
		if err != nil {
			return res, err
		}
		frame := model.Frame{Data: data, ContentType: contentType(img.path), CapturedAt: time.Now().UTC()}
		if _, err := svc.EnrollFromImage(ctx, img.identityID, frame); err != nil {
			res.Failed++
			log.Warn(ctx, "sample import failed",
				logger.String("identity_id", img.identityID),
				logger.String("path", img.path),
				logger.Error(err))
			continue
		}
		res.Enrolled++
	}
	_ = bar.Finish()
	if res.Failed > 0 {
		return res, fmt.Errorf("%d of %d images failed to import", res.Failed, len(images))
	}
	return res, nil
}
