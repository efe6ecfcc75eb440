package encoder

import (
	"strconv"
)

// Encoder defaults applied when the runtime config leaves a tunable unset.
const (
	DefaultPreset = "veryfast"
	DefaultCRF    = 23

	// Closed-GOP interval and fragment target duration per keyframe mode.
	standardGOP        = 30
	shortGOP           = 15
	standardFragUsec   = 1000000
	shortFragUsec      = 500000
	defaultMaxrate     = "4M"
	defaultBufsize     = "8M"
	defaultAudioBitKbs = "128k"
)

// Settings are the per-session encoder tunables, resolved from observed
// stream metadata and the runtime config record.
type Settings struct {
	// VideoFormat is the demuxer for the primary input: "h264" or "hevc".
	VideoFormat string
	// Preset is the libx264 speed preset.
	Preset string
	// CRF is the constant-rate-factor quality target.
	CRF int
	// Scale, when non-empty, becomes a scale video filter (e.g. "640:-2").
	Scale string
	// Threads caps FFmpeg worker threads; 0 lets FFmpeg decide.
	Threads int
	// ShortKeyframes halves the GOP and fragment duration for lower
	// join latency at higher overhead.
	ShortKeyframes bool
}

// BuildArgs produces the full FFmpeg argument vector for a live session:
// elementary video on pipe:0, AAC on the auxiliary fd 3, fMP4 on pipe:1.
func BuildArgs(s Settings) []string {
	preset := s.Preset
	if preset == "" {
		preset = DefaultPreset
	}
	crf := s.CRF
	if crf <= 0 {
		crf = DefaultCRF
	}
	videoFormat := s.VideoFormat
	if videoFormat == "" {
		videoFormat = "h264"
	}

	gop := standardGOP
	fragUsec := standardFragUsec
	if s.ShortKeyframes {
		gop = shortGOP
		fragUsec = shortFragUsec
	}

	args := []string{
		"-loglevel", "warning",
		"-hide_banner",
		"-f", videoFormat, "-i", "pipe:0",
		"-f", "aac", "-i", "pipe:3",
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "libx264",
		"-preset", preset,
		"-crf", strconv.Itoa(crf),
		"-profile:v", "main",
		"-level:v", "3.1",
		"-pix_fmt", "yuv420p",
		"-g", strconv.Itoa(gop),
		"-flags", "+cgop",
		"-sc_threshold", "0",
		"-maxrate", defaultMaxrate,
		"-bufsize", defaultBufsize,
		"-x264-params", "nal-hrd=cbr",
	}

	if s.Scale != "" {
		args = append(args, "-vf", "scale="+s.Scale)
	}

	args = append(args,
		"-c:a", "aac",
		"-ac", "1",
		"-b:a", defaultAudioBitKbs,
	)

	if s.Threads > 0 {
		args = append(args, "-threads", strconv.Itoa(s.Threads))
	}

	args = append(args,
		"-f", "mp4",
		"-movflags", "+frag_keyframe+empty_moov+default_base_moof+faststart",
		"-frag_duration", strconv.Itoa(fragUsec),
		"-muxdelay", "0",
		"-muxpreload", "0",
		"-flush_packets", "1",
		"pipe:1",
	)

	return args
}
