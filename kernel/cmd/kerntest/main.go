// Command kerntest is a CLI harness that boots an in-process kernel
// instance and drives the scenarios spec.md §8 describes: three
// children at different nice values competing for the CPU, and an
// anonymous mmap populated through page faults and duplicated by fork.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"config"
	"defs"
	"klog"
	"mem"
	"proc"
)

func newKernel(cfg config.Config) *proc.Table_t {
	phys := mem.NewPhysmem(cfg.PhysPages)
	return proc.NewTable(phys, cfg.NCPU)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run the three-child nice scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			klog.EnableStderr()
			klog.Boot("kernel starting")
			cfg := config.Default()
			t := newKernel(cfg)

			stop := make(chan struct{})
			for i := 0; i < cfg.NCPU; i++ {
				go t.CPULoop(i, stop)
			}
			defer close(stop)
			go t.TickerLoop(time.Millisecond, stop)

			type childSpec struct {
				nice   int
				rounds int
			}
			specs := []childSpec{{0, 20}, {20, 10}, {39, 5}}
			done := make(chan struct{})

			_, err := t.UserInit(func(cur *proc.Proc_t) {
				defer close(done)
				for _, s := range specs {
					s := s
					if nerr := t.Setnice(cur, s.nice); nerr != 0 {
						continue
					}
					_, ferr := t.Fork(cur, func(child *proc.Proc_t) {
						for i := 0; i < s.rounds; i++ {
							t.Yield(child)
						}
					})
					if ferr != 0 {
						fmt.Println("fork failed:", ferr)
					}
					t.Setnice(cur, defs.DefaultNice)
				}
				for range specs {
					if _, werr := t.Wait(cur); werr != 0 {
						break
					}
				}
			})
			if err != 0 {
				return fmt.Errorf("userinit: %v", err)
			}
			<-done
			fmt.Print(t.Ps(0))
			return nil
		},
	}
}

func newMmapDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mmap-demo",
		Short: "exercise anonymous mmap, page fault and fork duplication",
		RunE: func(cmd *cobra.Command, args []string) error {
			klog.EnableStderr()
			cfg := config.Default()
			t := newKernel(cfg)

			stop := make(chan struct{})
			for i := 0; i < cfg.NCPU; i++ {
				go t.CPULoop(i, stop)
			}
			defer close(stop)
			go t.TickerLoop(time.Millisecond, stop)

			done := make(chan struct{})
			_, err := t.UserInit(func(cur *proc.Proc_t) {
				defer close(done)
				addr, merr := t.Mmap(cur, 0, mem.PGSIZE, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_ANONYMOUS, -1, 0)
				if merr != 0 {
					fmt.Println("mmap failed:", merr)
					return
				}
				ferr := t.PageFault(cur, addr, true)
				if ferr != 0 {
					fmt.Println("page fault failed:", ferr)
					return
				}
				pid, forkErr := t.Fork(cur, func(child *proc.Proc_t) {})
				if forkErr != 0 {
					fmt.Println("fork failed:", forkErr)
					return
				}
				t.Wait(cur)
				fmt.Printf("mmap at 0x%x, forked pid %d\n", addr, pid)
				t.Munmap(cur, addr)
			})
			if err != 0 {
				return fmt.Errorf("userinit: %v", err)
			}
			<-done
			fmt.Print(t.Ps(0))
			return nil
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:   "kerntest",
		Short: "exercise the fair-share scheduler and mmap subsystem",
	}
	root.AddCommand(newRunCmd(), newMmapDemoCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
