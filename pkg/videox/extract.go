package videox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ffprobe -of json output, reduced to the fields we ask for
type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ProbeFile runs ffprobe on the first video stream of a file
func ProbeFile(ctx context.Context, ffprobe, srcFilename string) (StreamInfo, error) {
	args := []string{
		"-v",
		"error",
		"-select_streams",
		"v:0",
		"-show_entries",
		"stream=width,height,r_frame_rate,avg_frame_rate,nb_frames:format=duration",
		"-of",
		"json",
		srcFilename,
	}
	out, err := RunAppOutput(ctx, ffprobe, args)
	if err != nil {
		return StreamInfo{}, err
	}
	return parseProbeOutput(out)
}

func parseProbeOutput(out []byte) (StreamInfo, error) {
	// ffprobe sometimes emits junk like "Warning: using insecure memory!" before the JSON
	if start := bytes.IndexByte(out, '{'); start > 0 {
		out = out[start:]
	}
	probe := probeOutput{}
	if err := json.Unmarshal(out, &probe); err != nil {
		return StreamInfo{}, fmt.Errorf("Unable to parse ffprobe output: %w", err)
	}
	if len(probe.Streams) == 0 {
		return StreamInfo{}, fmt.Errorf("No video stream found")
	}
	st := probe.Streams[0]
	info := StreamInfo{
		Width:  st.Width,
		Height: st.Height,
		FPS:    ParseFrameRate(st.AvgFrameRate),
	}
	if info.FPS == 0 {
		info.FPS = ParseFrameRate(st.RFrameRate)
	}
	if n, err := strconv.ParseInt(st.NbFrames, 10, 64); err == nil && n > 0 {
		info.FrameCount = n
	}
	if seconds, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil && seconds > 0 {
		info.Duration = time.Duration(seconds * float64(time.Second))
	}
	return info, nil
}

// FFmpegVersion returns the first line of "ffmpeg -version"
func FFmpegVersion(ffmpeg string) (string, error) {
	out, err := RunAppCombinedOutput(ffmpeg, []string{"-version"})
	if err != nil {
		return "", err
	}
	first, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(first), nil
}

// app_name is an executable, such as "ffmpeg" or "ffprobe"
// args must not include the executable name as the first parameter
// Returns the string output from exec.Cmd's "CombinedOutput" method.
func RunAppCombinedOutput(app_name string, args []string) ([]byte, error) {
	app_path, err := exec.LookPath(app_name)
	if err != nil {
		return nil, fmt.Errorf("Unable to find '%v' in your path (%w)", app_name, err)
	}
	cmd := exec.Command(app_path, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%v execution failed: %w (%v)", app_name, err, string(out))
	}
	return out, nil
}

// RunAppOutput is like RunAppCombinedOutput, but only returns stdout.
// stderr is included in the error message if the app fails.
func RunAppOutput(ctx context.Context, app_name string, args []string) ([]byte, error) {
	app_path, err := exec.LookPath(app_name)
	if err != nil {
		return nil, fmt.Errorf("Unable to find '%v' in your path (%w)", app_name, err)
	}
	stderr := bytes.Buffer{}
	cmd := exec.CommandContext(ctx, app_path, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%v execution failed: %w (%v)", app_name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}
