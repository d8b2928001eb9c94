package others

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/deploykit/cmd/core"
	"github.com/projecteru2/deploykit/gc"
	"github.com/projecteru2/deploykit/journal"
	"github.com/projecteru2/deploykit/swap"
	"github.com/projecteru2/deploykit/utils"
	"github.com/projecteru2/deploykit/version"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) GC(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	in, j, err := cmdcore.InitInstaller(conf)
	if err != nil {
		return err
	}

	o := gc.New()
	gc.Register(o, j.GCModule(conf.JournalKeep))
	gc.Register(o, in.WorkDirGC())
	if err := o.Run(ctx); err != nil {
		return err
	}
	log.WithFunc("cmd.gc").Infof(ctx, "GC completed")
	return nil
}

func (h Handler) History(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	j := journal.New(conf)

	if len(args) == 1 {
		a, err := j.Get(ctx, args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(a)
	}

	attempts, err := j.List(ctx)
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		fmt.Println("No install attempts recorded.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPARTITION\tVARIANT\tSTARTED\tSTAGE\tERROR")
	for _, a := range attempts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID, a.Status, a.Partition, a.Variant,
			a.StartedAt.Local().Format(time.DateTime), a.Stage, a.Error)
	}
	return w.Flush()
}

func (h Handler) Swap(cmd *cobra.Command, _ []string) error {
	if _, err := h.Conf(); err != nil {
		return err
	}
	mem, err := utils.TotalMemory()
	if err != nil {
		return err
	}
	rec := swap.Recommended(mem)
	fmt.Printf("Memory:      %s\n", cmdcore.FormatSize(mem))
	fmt.Printf("Recommended: %s\n", cmdcore.FormatSize(rec))

	s, _ := cmd.Flags().GetString("size")
	if s == "" {
		return nil
	}
	size, err := cmdcore.ParseSize(s)
	if err != nil {
		return err
	}
	hibernate, err := swap.Hibernation(size, mem)
	if err != nil {
		return err
	}
	fmt.Printf("%s is usable; hibernation %s\n", cmdcore.FormatSize(size), map[bool]string{true: "supported", false: "not supported"}[hibernate])
	return nil
}

func (h Handler) Version(_ *cobra.Command, _ []string) error {
	fmt.Print(version.String())
	return nil
}
