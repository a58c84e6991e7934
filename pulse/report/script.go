package report

import (
	"archive/zip"
	"bytes"
	"context"
	"mime"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/teranos/reportd/am"
	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/logger"
	"github.com/teranos/reportd/pulse/retry"
)

// ScriptPlaceholder in the configured command is replaced by the template path
const ScriptPlaceholder = "{script}"

const stderrSnippetBytes = 2048

var reportIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// OutputDirEnv names the per-run directory a template writes its results to
const OutputDirEnv = "SCRIPT_OUTPUT_DIR"

// ScriptGenerator runs an executable template per report. The template for
// report "sales-summary" is <templates_dir>/sales-summary or
// <templates_dir>/sales-summary.<anything>.
//
// Each run gets an empty directory in $SCRIPT_OUTPUT_DIR. A single file left
// there is the artifact; several are zipped together; with none, stdout is
// the artifact.
//
// The process sees the schedule parameters as PARAM_<NAME> plus
// REPORT_ID, REPORT_EXECUTION_ID, REPORT_RUN_ID and REPORT_SCHEDULED_FOR.
type ScriptGenerator struct {
	templatesDir string
	command      []string
	contentType  string
	extension    string
	logger       *zap.SugaredLogger
}

// NewScriptGenerator creates a generator from report settings
func NewScriptGenerator(cfg am.ReportConfig, log *zap.SugaredLogger) (*ScriptGenerator, error) {
	command, err := shellquote.Split(cfg.Command)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid report.command %q", cfg.Command)
	}
	if len(command) == 0 {
		command = []string{ScriptPlaceholder}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	contentType := cfg.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	return &ScriptGenerator{
		templatesDir: cfg.TemplatesDir,
		command:      command,
		contentType:  contentType,
		extension:    cfg.Extension,
		logger:       log,
	}, nil
}

// Generate runs the report's template and captures its output
func (g *ScriptGenerator) Generate(ctx context.Context, req Request) (*Artifact, error) {
	script, err := g.resolve(req.ReportID)
	if err != nil {
		return nil, err
	}

	outDir, err := os.MkdirTemp("", "reportd-run-*")
	if err != nil {
		return nil, errors.Wrap(err, "create output directory")
	}
	defer os.RemoveAll(outDir)

	runID := uuid.NewString()
	name, args := g.commandFor(script)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = filepath.Dir(script)
	cmd.Env = append(os.Environ(), env(req, runID)...)
	cmd.Env = append(cmd.Env, OutputDirEnv+"="+outDir)
	// Let the script's children go when ctx ends
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	g.logger.Debugw("Report script finished",
		logger.FieldReportID, req.ReportID,
		logger.FieldExecutionID, req.ExecutionID,
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
		"stdout_bytes", stdout.Len())

	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrapf(ctx.Err(), "report %s interrupted", req.ReportID)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if s := snippet(stderr.Bytes()); s != "" {
				return nil, errors.Newf("report %s exited with code %d: %s", req.ReportID, exitErr.ExitCode(), s)
			}
			return nil, errors.Newf("report %s exited with code %d", req.ReportID, exitErr.ExitCode())
		}
		// Could not start: not executable, interpreter missing
		return nil, retry.Permanent(errors.Wrapf(err, "start report %s", req.ReportID))
	}

	art, err := g.collect(req, outDir)
	if err != nil {
		return nil, err
	}
	if art == nil {
		art = &Artifact{
			ContentType: g.contentType,
			Filename:    filename(req, g.extension),
			Data:        stdout.Bytes(),
		}
	}
	art.ReportExecutionID = runID
	return art, nil
}

// collect builds the artifact from the files a run wrote to dir, or returns
// nil when it wrote none.
func (g *ScriptGenerator) collect(req Request, dir string) (*Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read output directory")
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, e.Name())
		}
	}

	switch len(files) {
	case 0:
		return nil, nil
	case 1:
		data, err := os.ReadFile(filepath.Join(dir, files[0]))
		if err != nil {
			return nil, errors.Wrapf(err, "read output %s", files[0])
		}
		ext := filepath.Ext(files[0])
		contentType := mime.TypeByExtension(ext)
		if contentType == "" {
			contentType = g.contentType
		}
		return &Artifact{ContentType: contentType, Filename: filename(req, ext), Data: data}, nil
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return nil, errors.Wrapf(err, "read output %s", f)
		}
		w, err := zw.Create(f)
		if err != nil {
			return nil, errors.Wrapf(err, "archive output %s", f)
		}
		if _, err := w.Write(data); err != nil {
			return nil, errors.Wrapf(err, "archive output %s", f)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "close output archive")
	}
	return &Artifact{ContentType: "application/zip", Filename: filename(req, ".zip"), Data: buf.Bytes()}, nil
}

// resolve finds the template for reportID. A missing template is permanent.
func (g *ScriptGenerator) resolve(reportID string) (string, error) {
	if !reportIDPattern.MatchString(reportID) || strings.Contains(reportID, "..") {
		return "", retry.Permanent(errors.Newf("invalid report id %q", reportID))
	}
	exact := filepath.Join(g.templatesDir, reportID)
	if info, err := os.Stat(exact); err == nil && !info.IsDir() {
		return filepath.Abs(exact)
	}
	matches, err := filepath.Glob(filepath.Join(g.templatesDir, reportID+".*"))
	if err != nil {
		return "", errors.Wrap(err, "search report templates")
	}
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && !info.IsDir() {
			return filepath.Abs(m)
		}
	}
	return "", retry.Permanent(errors.WithHintf(
		errors.Newf("no template for report %q", reportID),
		"add an executable named %s or %s.<ext> under %s", reportID, reportID, g.templatesDir))
}

// commandFor substitutes the placeholder, appending the script when absent
func (g *ScriptGenerator) commandFor(script string) (string, []string) {
	out := make([]string, 0, len(g.command)+1)
	found := false
	for _, part := range g.command {
		if strings.Contains(part, ScriptPlaceholder) {
			found = true
			part = strings.ReplaceAll(part, ScriptPlaceholder, script)
		}
		out = append(out, part)
	}
	if !found {
		out = append(out, script)
	}
	return out[0], out[1:]
}

func env(req Request, runID string) []string {
	vars := []string{
		"REPORT_ID=" + req.ReportID,
		"REPORT_EXECUTION_ID=" + req.ExecutionID,
		"REPORT_SCHEDULE_ID=" + req.ScheduleID,
		"REPORT_RUN_ID=" + runID,
		"REPORT_SCHEDULED_FOR=" + req.ScheduledFor.UTC().Format(time.RFC3339),
	}
	for name, value := range req.Parameters {
		vars = append(vars, "PARAM_"+envName(name)+"="+value)
	}
	return vars
}

// envName upper-cases name and replaces anything outside [A-Z0-9_] with '_'
func envName(name string) string {
	return strings.Map(func(r rune) rune {
		r = unicode.ToUpper(r)
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, name)
}

func filename(req Request, ext string) string {
	return req.ReportID + "-" + req.ScheduledFor.UTC().Format("20060102T150405Z") + ext
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > stderrSnippetBytes {
		s = s[len(s)-stderrSnippetBytes:]
	}
	return s
}
