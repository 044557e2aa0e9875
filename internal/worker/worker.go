package worker

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alg-bug-engineer/interactive-storybook/internal/config"
	"github.com/alg-bug-engineer/interactive-storybook/internal/db"
	"github.com/alg-bug-engineer/interactive-storybook/internal/models"
	"github.com/alg-bug-engineer/interactive-storybook/internal/queue"
	"github.com/alg-bug-engineer/interactive-storybook/internal/services"
	"github.com/alg-bug-engineer/interactive-storybook/internal/store"
)

// ImageResolver turns a segment image reference into a local file.
type ImageResolver interface {
	ResolveLocalPath(ctx context.Context, ref string) (string, error)
}

// FileDownloader fetches a remote asset to a local path.
type FileDownloader interface {
	DownloadFile(ctx context.Context, url, destPath string) error
}

type Worker struct {
	stories    db.StoryStore
	clips      db.ClipCache
	queue      *queue.Queue
	tracker    *store.Tracker
	synth      ClipSynthesizer
	downloader FileDownloader
	images     ImageResolver
	tts        services.NarrationResolver // nil when narration is unavailable
	media      MediaToolkit
	resolver   *Resolver

	profiles []models.ModelProfile
	loopCfg  loopConfig
}

func New(
	stories db.StoryStore,
	clips db.ClipCache,
	q *queue.Queue,
	tracker *store.Tracker,
	synth ClipSynthesizer,
	downloader FileDownloader,
	images ImageResolver,
	tts services.NarrationResolver,
	media MediaToolkit,
	cfg *config.Config,
) *Worker {
	return &Worker{
		stories:    stories,
		clips:      clips,
		queue:      q,
		tracker:    tracker,
		synth:      synth,
		downloader: downloader,
		images:     images,
		tts:        tts,
		media:      media,
		resolver:   NewResolver(cfg.VideoOutputDir, clips),
		profiles:   []models.ModelProfile{cfg.PrimaryVideoModel, cfg.FallbackVideoModel},
		loopCfg: loopConfig{
			maxConcurrent: cfg.MaxConcurrentVideoTasks,
			pollInterval:  cfg.PollInterval,
			maxPollRounds: cfg.MaxPollRounds,
			submitRetries: cfg.SubmitRetries,
		},
	}
}

// Start begins processing jobs from all queues
func (w *Worker) Start(ctx context.Context, concurrency int) {
	log.Printf("Worker started with concurrency: %d", concurrency)

	for i := 0; i < concurrency; i++ {
		go w.processQueue(ctx, queue.QueueGenerateVideo, w.handleGenerateVideo)
		go w.processQueue(ctx, queue.QueuePregenerateClip, w.handlePregenerateClip)
	}

	<-ctx.Done()
	log.Println("Worker shutting down...")
}

func (w *Worker) processQueue(ctx context.Context, queueName string, handler func(context.Context, *queue.Job) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			job, err := w.queue.Dequeue(ctx, queueName, 5*time.Second)
			if err != nil {
				log.Printf("Error dequeuing from %s: %v", queueName, err)
				continue
			}

			if job == nil {
				continue // No job available, retry
			}

			log.Printf("Processing job %s (type: %s, story: %s)", job.ID, job.Type, job.StoryID)

			if err := handler(ctx, job); err != nil {
				log.Printf("Job %s failed: %v", job.ID, err)
			} else {
				log.Printf("Job %s completed", job.ID)
			}
		}
	}
}

// segMedia is one segment's materialized clip and narration, positioned by
// assembly order.
type segMedia struct {
	segmentIndex int
	clipPath     string
	audioPath    string
}

// handleGenerateVideo runs the full pipeline for one story: plan, reuse,
// generate, synchronize, assemble.
func (w *Worker) handleGenerateVideo(ctx context.Context, job *queue.Job) error {
	storyID := job.StoryID

	story, err := w.stories.GetStory(ctx, storyID)
	if err != nil {
		w.tracker.Fail(storyID, fmt.Sprintf("story lookup failed: %v", err))
		return fmt.Errorf("story lookup failed: %w", err)
	}

	log.Printf("[Video] story %s: %d segments, audio=%v", storyID, len(story.Segments), job.EnableAudio)

	specs := PlanClips(story.Segments, job.EnableAudio, w.profiles)
	w.tracker.Begin(storyID, len(specs))

	// Resolve images up front so a broken reference skips its pair instead
	// of burning a paid submission.
	var planned []plannedClip
	for _, spec := range specs {
		startPath, err := w.images.ResolveLocalPath(ctx, spec.StartImageURL)
		if err != nil {
			log.Printf("[Video] segment %d start image unavailable, skipping pair: %v", spec.SegmentIndex, err)
			continue
		}
		endPath, err := w.images.ResolveLocalPath(ctx, spec.EndImageURL)
		if err != nil {
			log.Printf("[Video] segment %d end image unavailable, skipping pair: %v", spec.SegmentIndex, err)
			continue
		}
		planned = append(planned, plannedClip{spec: spec, startPath: startPath, endPath: endPath})
	}

	total := len(planned)
	if total == 0 {
		w.tracker.Fail(storyID, "no generatable segment pairs (missing images)")
		return fmt.Errorf("story %s has no generatable segment pairs", storyID)
	}
	w.tracker.SetClipProgress(storyID, 0, total)

	plannedSpecs := make([]models.ClipSpec, len(planned))
	for i, pc := range planned {
		plannedSpecs[i] = pc.spec
	}
	results := w.resolver.ResolveExistingClips(ctx, storyID, plannedSpecs, nil)
	reused := len(results)
	w.tracker.SetClipProgress(storyID, reused, total)
	log.Printf("[Video] story %s: reusing %d clips, generating %d", storyID, reused, total-reused)

	var remaining []plannedClip
	for _, pc := range planned {
		if _, ok := results[pc.spec.SegmentIndex]; !ok {
			remaining = append(remaining, pc)
		}
	}

	generated := runGenerationLoop(ctx, w.synth, remaining, w.loopCfg, func(done int) {
		w.tracker.SetClipProgress(storyID, reused+done, total)
	})
	for segIdx, ref := range generated {
		results[segIdx] = ref
	}

	if len(results) == 0 {
		w.tracker.Fail(storyID, "no video clips were generated")
		return fmt.Errorf("story %s: no video clips were generated", storyID)
	}

	// Materialize clips and narration into the story directory, in parallel
	// per segment.
	storyDir := w.resolver.StoryDir(storyID)
	if err := os.MkdirAll(storyDir, 0755); err != nil {
		w.tracker.Fail(storyID, fmt.Sprintf("story dir: %v", err))
		return fmt.Errorf("failed to create story dir: %w", err)
	}

	ordered := make([]int, 0, len(results))
	for segIdx := range results {
		ordered = append(ordered, segIdx)
	}
	sort.Ints(ordered)

	media := make([]segMedia, len(ordered))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for k, segIdx := range ordered {
		k, segIdx := k, segIdx
		g.Go(func() error {
			clipPath, err := w.materializeClip(gctx, storyDir, segIdx, k, results[segIdx])
			if err != nil {
				log.Printf("[Video] segment %d clip materialization failed, dropping: %v", segIdx, err)
				return nil
			}
			audioPath := w.resolveSegmentAudio(gctx, story, storyDir, segIdx, k, job.EnableAudio)
			mu.Lock()
			media[k] = segMedia{segmentIndex: segIdx, clipPath: clipPath, audioPath: audioPath}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		w.tracker.Fail(storyID, fmt.Sprintf("materialization cancelled: %v", err))
		return err
	}

	var usable []segMedia
	for _, m := range media {
		if m.clipPath != "" {
			usable = append(usable, m)
		}
	}
	if len(usable) == 0 {
		w.tracker.Fail(storyID, "no video clips could be materialized")
		return fmt.Errorf("story %s: no clips could be materialized", storyID)
	}

	// Record local clips so a rerun or pregeneration reuses them.
	for _, m := range usable {
		if err := w.clips.UpsertStoryClip(ctx, storyID, m.segmentIndex, m.clipPath); err != nil {
			log.Printf("[Video] clip cache update failed for segment %d: %v", m.segmentIndex, err)
		}
	}

	hasAudio := false
	for _, m := range usable {
		if m.audioPath != "" {
			hasAudio = true
			break
		}
	}

	w.tracker.SetStatus(storyID, models.JobStatusMerging, 75)
	if hasAudio {
		w.tracker.SetStatus(storyID, models.JobStatusAddingAudio, 85)
	}

	// A single clip failing preparation drops that clip, not the job.
	var prepared []string
	for _, m := range usable {
		p, err := prepareClip(ctx, w.media, m.clipPath, m.audioPath, m.segmentIndex)
		if err != nil && m.audioPath != "" {
			log.Printf("[Video] segment %d prepare failed with audio, retrying silent: %v", m.segmentIndex, err)
			p, err = prepareClip(ctx, w.media, m.clipPath, "", m.segmentIndex)
		}
		if err != nil {
			log.Printf("[Video] segment %d preparation failed, dropping clip: %v", m.segmentIndex, err)
			continue
		}
		prepared = append(prepared, p)
	}
	if len(prepared) == 0 {
		w.tracker.Fail(storyID, "no clips survived preparation")
		return fmt.Errorf("story %s: no clips survived preparation", storyID)
	}

	finalPath, err := assembleFinalVideo(ctx, w.media, prepared, storyDir, storyID)
	w.media.Cleanup(prepared...)
	if err != nil {
		w.tracker.Fail(storyID, fmt.Sprintf("assembly failed: %v", err))
		return fmt.Errorf("story %s: %w", storyID, err)
	}

	w.tracker.Complete(storyID, finalPath)
	log.Printf("[Video] story %s complete: %s (%d/%d clips)", storyID, finalPath, len(prepared), total)
	return nil
}

// materializeClip puts a clip reference on disk inside the story directory.
func (w *Worker) materializeClip(ctx context.Context, storyDir string, segmentIndex, orderedIndex int, ref string) (string, error) {
	if existing := w.resolver.ExistingStoryMedia(storyDir, segmentIndex, orderedIndex, "clip"); existing != "" {
		return existing, nil
	}

	target := w.resolver.ClipPath(storyDir, segmentIndex)

	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		if err := w.downloader.DownloadFile(ctx, ref, target); err != nil {
			return "", fmt.Errorf("clip download: %w", err)
		}
		return target, nil
	}

	if !usableFile(ref) {
		return "", fmt.Errorf("clip reference is neither URL nor usable file: %s", ref)
	}
	if ref != target {
		if err := copyFile(ref, target); err != nil {
			return "", fmt.Errorf("clip copy: %w", err)
		}
	}
	return target, nil
}

// resolveSegmentAudio returns the local narration file for a segment, or ""
// when audio is disabled, unavailable, or fails. Audio failures never fail
// the job; the clip just plays silent.
func (w *Worker) resolveSegmentAudio(ctx context.Context, story *models.Story, storyDir string, segmentIndex, orderedIndex int, enableAudio bool) string {
	if !enableAudio || w.tts == nil {
		return ""
	}
	if segmentIndex >= len(story.Segments) || story.Segments[segmentIndex].Text == "" {
		return ""
	}

	if existing := w.resolver.ExistingStoryMedia(storyDir, segmentIndex, orderedIndex, "audio"); existing != "" {
		return existing
	}

	cached, err := w.tts.ResolveSegmentAudio(ctx, story.ID, segmentIndex, story.Segments[segmentIndex].Text)
	if err != nil {
		log.Printf("[Video] segment %d narration failed, continuing silent: %v", segmentIndex, err)
		return ""
	}

	// Copy into the story directory so assembly never depends on the shared
	// cache surviving.
	target := w.resolver.AudioPath(storyDir, segmentIndex)
	if cached == target {
		return target
	}
	if err := copyFile(cached, target); err != nil {
		log.Printf("[Video] segment %d audio copy failed, using cache path: %v", segmentIndex, err)
		return cached
	}
	return target
}

// handlePregenerateClip speculatively generates one clip for the
// (segmentIndex, segmentIndex+1) pair so a later full job reuses it.
func (w *Worker) handlePregenerateClip(ctx context.Context, job *queue.Job) error {
	if job.SegmentIndex == nil {
		return fmt.Errorf("pregenerate job %s missing segment index", job.ID)
	}
	storyID := job.StoryID
	segIdx := *job.SegmentIndex

	story, err := w.stories.GetStory(ctx, storyID)
	if err != nil {
		return fmt.Errorf("story lookup failed: %w", err)
	}
	if segIdx < 0 || segIdx >= len(story.Segments)-1 {
		log.Printf("[Pregen] story %s: segment %d out of range, ignoring", storyID, segIdx)
		return nil
	}

	if !w.tracker.TryLockGeneration(storyID, segIdx) {
		log.Printf("[Pregen] story %s segment %d already in flight", storyID, segIdx)
		return nil
	}
	defer w.tracker.UnlockGeneration(storyID, segIdx)

	target := w.resolver.PregeneratedClipPath(storyID, segIdx)
	if usableFile(target) {
		log.Printf("[Pregen] story %s segment %d already on disk", storyID, segIdx)
		return nil
	}
	if cached, err := w.clips.GetStoryClips(ctx, storyID); err == nil {
		if ref, ok := cached[segIdx]; ok && usableRef(ref) && !strings.HasPrefix(ref, "http") {
			log.Printf("[Pregen] story %s segment %d already cached: %s", storyID, segIdx, ref)
			return nil
		}
	}

	a, b := story.Segments[segIdx], story.Segments[segIdx+1]
	if a.ImageURL == "" || b.ImageURL == "" {
		log.Printf("[Pregen] story %s segment %d missing images, ignoring", storyID, segIdx)
		return nil
	}

	duration := 5
	if a.Text != "" {
		duration = chooseClipDuration(estimateNarrationSeconds(a.Text), w.profiles)
	}
	spec := models.ClipSpec{
		SegmentIndex:  segIdx,
		StartImageURL: a.ImageURL,
		EndImageURL:   b.ImageURL,
		MotionPrompt:  motionPrompt(a.Emotion),
		Candidates:    buildCandidates(duration, w.profiles),
	}

	startPath, err := w.images.ResolveLocalPath(ctx, spec.StartImageURL)
	if err != nil {
		return fmt.Errorf("start image: %w", err)
	}
	endPath, err := w.images.ResolveLocalPath(ctx, spec.EndImageURL)
	if err != nil {
		return fmt.Errorf("end image: %w", err)
	}

	outcome, err := submitWithRetry(ctx, w.synth, spec, startPath, endPath, w.loopCfg.submitRetries)
	if err != nil {
		return fmt.Errorf("pregenerate submit: %w", err)
	}

	var ref string
	switch o := outcome.(type) {
	case models.SubmitImmediate:
		ref = o.VideoRef
	case models.SubmitPending:
		ref, err = w.pollToCompletion(ctx, o.TaskID)
		if err != nil {
			return fmt.Errorf("pregenerate poll: %w", err)
		}
	}

	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		if err := w.downloader.DownloadFile(ctx, ref, target); err != nil {
			return fmt.Errorf("pregenerate download: %w", err)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("pregenerate dir: %w", err)
		}
		if err := copyFile(ref, target); err != nil {
			return fmt.Errorf("pregenerate copy: %w", err)
		}
	}

	if err := w.clips.UpsertStoryClip(ctx, storyID, segIdx, target); err != nil {
		log.Printf("[Pregen] clip cache update failed: %v", err)
	}

	log.Printf("[Pregen] story %s segment %d ready: %s", storyID, segIdx, target)
	return nil
}

// pollToCompletion polls one task until success, failure, or the round budget.
func (w *Worker) pollToCompletion(ctx context.Context, taskID string) (string, error) {
	for round := 0; round < w.loopCfg.maxPollRounds; round++ {
		outcome, err := w.synth.PollTask(ctx, taskID)
		if err != nil {
			return "", err
		}
		switch o := outcome.(type) {
		case models.PollSuccess:
			return o.VideoRef, nil
		case models.PollFailed:
			return "", fmt.Errorf("task %s failed remotely: %s", taskID, o.Reason)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(w.loopCfg.pollInterval):
		}
	}
	return "", fmt.Errorf("task %s did not finish within %d poll rounds", taskID, w.loopCfg.maxPollRounds)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
