package pipeline

import (
	"context"
	"fmt"
	"image"

	"marksman/internal/cache"
	"marksman/internal/fingerprint"
	"marksman/internal/imaging"
	"marksman/internal/logging"
	"marksman/internal/types"
)

// runIntake validates the uploaded documents: non-empty, a supported kind,
// within the size cap. PDFs declaring more pages than the cap are flagged for
// truncation with a warning event; rendering enforces it.
func runIntake(ctx context.Context, env *Env, st *State) (*Pause, error) {
	if err := checkDocument(env, st, "answer_document", &st.Spec.AnswerDocument); err != nil {
		return nil, err
	}
	if st.Spec.RubricDocument != nil {
		if err := checkDocument(env, st, "rubric_document", st.Spec.RubricDocument); err != nil {
			return nil, err
		}
	} else if st.Spec.RubricFingerprint == "" {
		return nil, types.E(types.KindValidation, "intake_failed: no rubric document or fingerprint")
	}
	return nil, nil
}

func checkDocument(env *Env, st *State, name string, doc *types.Document) error {
	if len(doc.Data) == 0 {
		return types.Ef(types.KindValidation, "intake_failed: %s is empty", name)
	}
	maxBytes := env.Cfg.Intake.MaxFileMB * 1024 * 1024
	if maxBytes > 0 && len(doc.Data) > maxBytes {
		return types.Ef(types.KindValidation, "intake_failed: %s is %d bytes, limit is %d MB",
			name, len(doc.Data), env.Cfg.Intake.MaxFileMB)
	}
	kind := imaging.DetectKind(doc.Data)
	if kind == imaging.KindUnknown {
		return types.Ef(types.KindValidation, "intake_failed: %s is not a supported kind (pdf, jpeg, png, webp)", name)
	}
	doc.Kind = kind

	if kind == imaging.KindPDF {
		if declared := imaging.PDFPageCount(doc.Data); declared > env.Cfg.Intake.MaxPDFPages && env.Cfg.Intake.MaxPDFPages > 0 {
			env.emit(st.Run.RunID, types.EventPDFTruncated, map[string]interface{}{
				"document":       name,
				"declared_pages": declared,
				"max_pages":      env.Cfg.Intake.MaxPDFPages,
			})
			logging.Pipeline("run %s: %s declares %d pages, truncating to %d",
				st.Run.RunID, name, declared, env.Cfg.Intake.MaxPDFPages)
		}
	}
	return nil
}

// runPreprocess renders each document to page images, normalises them, and
// computes per-page fingerprints. Any page that fails to render aborts the
// run. Normalised pages go into the batch image cache so a checkpoint resume
// replays this stage without re-rendering.
func runPreprocess(ctx context.Context, env *Env, st *State) (*Pause, error) {
	answer, err := preparePages(ctx, env, imageCacheKey(st.Run.RunID, "answer"), &st.Spec.AnswerDocument)
	if err != nil {
		return nil, types.WrapErr(types.KindOf(err), "intake_failed: answer document", err)
	}
	st.AnswerPages = answer

	if st.Spec.RubricDocument != nil {
		rubric, err := preparePages(ctx, env, imageCacheKey(st.Run.RunID, "rubric"), st.Spec.RubricDocument)
		if err != nil {
			return nil, types.WrapErr(types.KindOf(err), "intake_failed: rubric document", err)
		}
		st.RubricPages = rubric
	}

	logging.Pipeline("run %s: prepared %d answer pages, %d rubric pages",
		st.Run.RunID, len(st.AnswerPages), len(st.RubricPages))
	return nil, nil
}

// imageCacheKey keys one document's normalised pages in the batch image cache.
func imageCacheKey(runID, doc string) string {
	return runID + "/" + doc
}

// ReleaseImages drops a run's resident page batches from the image cache.
func ReleaseImages(images *cache.ImageLRU, runID string) {
	if images == nil {
		return
	}
	images.Remove(imageCacheKey(runID, "answer"))
	images.Remove(imageCacheKey(runID, "rubric"))
}

// preparePages turns one document into normalised, fingerprinted pages.
// While a batch is still resident in the image cache, a replay (checkpoint
// resume, review re-run) skips the render/decode and normalise work.
func preparePages(ctx context.Context, env *Env, cacheKey string, doc *types.Document) ([]Page, error) {
	var normalized []image.Image
	if env.Images != nil {
		if cached, ok := env.Images.Get(cacheKey); ok {
			normalized = cached
			logging.Pipeline("%s: %d pages served from the image cache", cacheKey, len(cached))
		}
	}

	if normalized == nil {
		var images []image.Image
		if doc.Kind == imaging.KindPDF {
			if env.Renderer == nil {
				return nil, types.E(types.KindInternal, "no pdf renderer configured")
			}
			rendered, err := env.Renderer.RenderPDF(ctx, doc.Data, env.Cfg.Intake.MaxPDFPages)
			if err != nil {
				return nil, err
			}
			images = rendered
		} else {
			img, err := imaging.Decode(doc.Data)
			if err != nil {
				return nil, err
			}
			images = []image.Image{img}
		}

		normalized = make([]image.Image, 0, len(images))
		for _, img := range images {
			if err := ctx.Err(); err != nil {
				return nil, types.WrapErr(types.KindCancellation, "preprocess interrupted", err)
			}
			normalized = append(normalized, imaging.Normalize(img))
		}
		if env.Images != nil {
			env.Images.Put(cacheKey, normalized)
		}
	}

	pages := make([]Page, 0, len(normalized))
	for i, norm := range normalized {
		if err := ctx.Err(); err != nil {
			return nil, types.WrapErr(types.KindCancellation, "preprocess interrupted", err)
		}
		png, err := imaging.EncodePNG(norm)
		if err != nil {
			return nil, fmt.Errorf("encode page %d: %w", i, err)
		}
		pages = append(pages, Page{
			Index: i,
			FP:    fingerprint.Image(norm),
			PNG:   png,
		})
	}
	return pages, nil
}
