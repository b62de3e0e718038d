package utils

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"github.com/webitel/wlog"

	"github.com/webitel/ffmpeg_batch/internal/model"
)

const (
	defaultProbeCacheSize = 512
	defaultFFProbe        = "ffprobe"
)

var ErrNotRegularFile = errors.New("not a regular file")

type probeOutput struct {
	Streams []model.VideoInfo `json:"streams"`
}

// Prober collects media metadata with ffprobe. Results are cached per
// path, size and modification time, so a rewritten file is probed again.
type Prober struct {
	bin   string
	log   *wlog.Logger
	cache *expirable.LRU[string, model.FileInfo]
}

func NewProber(bin string, cacheSize int, ttl time.Duration, log *wlog.Logger) *Prober {
	if bin == "" {
		bin = defaultFFProbe
	}

	if cacheSize <= 0 {
		cacheSize = defaultProbeCacheSize
	}

	return &Prober{
		bin:   bin,
		log:   log.With(wlog.String("ffprobe", bin)),
		cache: expirable.NewLRU[string, model.FileInfo](cacheSize, nil, ttl),
	}
}

// Probe returns the size and video stream metadata of name. It fails only
// when name is missing or is not a regular file; a failed ffprobe run
// yields a result carrying the size alone.
func (p *Prober) Probe(name string) (*model.FileInfo, error) {
	st, err := os.Stat(name)
	if err != nil {
		return nil, err
	}

	if !st.Mode().IsRegular() {
		return nil, errors.Wrap(ErrNotRegularFile, name)
	}

	key := fmt.Sprintf("%s|%d|%d", name, st.Size(), st.ModTime().UnixNano())
	if info, ok := p.cache.Get(key); ok {
		p.log.Debug("probe cache hit", wlog.String("file", name))
		return &info, nil
	}

	info := model.FileInfo{Size: st.Size()}

	video, err := p.videoInfo(name)
	if err != nil {
		p.log.Debug(fmt.Sprintf("can't probe %s: %s", name, err.Error()))
		return &info, nil
	}

	info.VideoInfo = *video
	p.cache.Add(key, info)

	return &info, nil
}

func (p *Prober) videoInfo(name string) (*model.VideoInfo, error) {
	out, err := exec.Command(p.bin,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,duration,bit_rate,codec_name,display_aspect_ratio",
		"-of", "json",
		name,
	).Output()
	if err != nil {
		return nil, err
	}

	var res probeOutput
	if err = json.Unmarshal(out, &res); err != nil {
		return nil, errors.Wrap(err, "parse ffprobe output")
	}

	if len(res.Streams) == 0 {
		return nil, errors.New("no video stream")
	}

	return &res.Streams[0], nil
}
