package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/seiro/internal/service"
	"github.com/jkaninda/seiro/internal/toolerr"
)

// handleArtifact streams the zip of a succeeded job. It applies the same
// checks as fetch_build_output, so an expired artifact is never served.
func (g *Gateway) handleArtifact(c *okapi.Context) error {
	noLogs := false
	out, err := g.builds.FetchBuildOutput(c.Context(), service.FetchInput{JobID: c.Param("id"), IncludeLogs: &noLogs})
	if err != nil {
		return writeError(c, err)
	}

	f, err := os.Open(out.ArtifactZip)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return writeError(c, toolerr.Wrap(toolerr.ArtifactExpired, err, "artifact for job %s is gone", out.JobID).WithJob(out.JobID))
		}
		return writeError(c, toolerr.Wrap(toolerr.Internal, err, "opening artifact").WithJob(out.JobID))
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return writeError(c, toolerr.Wrap(toolerr.Internal, err, "reading artifact").WithJob(out.JobID))
	}

	w := c.Response()
	h := w.Header()
	h.Set("Content-Type", "application/zip")
	h.Set("Content-Disposition", `attachment; filename="`+out.JobID+`.zip"`)
	h.Set("X-Artifact-SHA256", out.ArtifactSHA256)
	h.Set("X-Download-TTL-Seconds", strconv.FormatInt(out.DownloadTTLSeconds, 10))

	g.logger.Info("artifact download",
		slog.String("job_id", out.JobID),
		slog.Int64("size", fi.Size()),
	)
	http.ServeContent(w, c.Request(), out.JobID+".zip", fi.ModTime(), f)
	return nil
}
