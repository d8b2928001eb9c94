package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/deploykit/errdefs"
	"github.com/projecteru2/deploykit/sysexec"
)

// extractSquash unpacks a squashfs image with unsquashfs. Its percentage
// output is scaled onto the archive size so the extract counter uses the
// same units as a tar extraction.
func (p *Pipeline) extractSquash(ctx context.Context, archivePath, root string, size int64, st *State) error {
	cmd := sysexec.Command("unsquashfs", "-f", "-d", root, "-percentage", archivePath)

	streamer, ok := p.runner.(sysexec.Streamer)
	if !ok {
		if _, err := p.runner.Run(ctx, cmd); err != nil {
			return err
		}
		advance(&st.extracted, size)
		return nil
	}

	err := streamer.Stream(ctx, cmd, func(line string) {
		pct, ok := parsePercent(line)
		if !ok {
			log.WithFunc("pipeline.extractSquash").Debugf(ctx, "unsquashfs: %s", line)
			return
		}
		advance(&st.extracted, size*int64(pct)/100)
	})
	if err != nil {
		return errdefs.WithKind(fmt.Errorf("unpack squashfs image: %w", err), errdefs.ErrInternal)
	}
	advance(&st.extracted, size)
	return nil
}

// parsePercent reads a bare "NN" or "NN%" progress line.
func parsePercent(line string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(line), "%"))
	if err != nil || n < 0 || n > 100 {
		return 0, false
	}
	return n, true
}
