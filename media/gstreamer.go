package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// StartPipeline launches a gst-launch-1.0 capture pipeline that emits RTP to
// localhost. The returned command is already started; the caller owns Wait.
func StartPipeline(ctx context.Context, pipeline string, tag string) (*exec.Cmd, error) {
	// split command: gst-launch-1.0 <elements...>
	args := append([]string{"-e"}, strings.Fields(pipeline)...)
	cmd := exec.CommandContext(ctx, "gst-launch-1.0", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		slog.Error("failed to start gst-launch", "tag", tag, "err", err)
		return nil, fmt.Errorf("start capture pipeline %s: %w", tag, err)
	}
	slog.Info("started gst-launch", "tag", tag)
	return cmd, nil
}

// Default pipelines push encoded RTP to localhost UDP where the feed pumps
// pick it up. Overridable per deployment through Config.
func defaultMicPipeline(port string) string {
	return `alsasrc ! audioconvert ! audioresample ! opusenc bitrate=24000 ! rtpopuspay pt=111 ! udpsink host=127.0.0.1 port=` + port
}

func defaultCameraPipeline(port string) string {
	return `v4l2src ! video/x-raw,width=640,height=480,framerate=30/1 ! videoconvert ! vp8enc deadline=1 target-bitrate=800000 ! rtpvp8pay pt=96 ! udpsink host=127.0.0.1 port=` + port
}

func defaultScreenPipeline(port string) string {
	return `ximagesrc use-damage=0 ! videoconvert ! videoscale ! video/x-raw,framerate=15/1 ! vp8enc deadline=1 target-bitrate=1200000 ! rtpvp8pay pt=96 ! udpsink host=127.0.0.1 port=` + port
}
