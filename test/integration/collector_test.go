//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/actmon/internal/config"
	"github.com/eliteGoblin/focusd/actmon/internal/daemon"
	"github.com/eliteGoblin/focusd/actmon/internal/domain"
	"github.com/eliteGoblin/focusd/actmon/internal/infra"
	"github.com/eliteGoblin/focusd/actmon/internal/usecase"
	"github.com/eliteGoblin/focusd/actmon/test/fixtures"
)

var _ = Describe("Collector", func() {
	var (
		dir      string
		cfg      config.Config
		host     *fixtures.FakeHost
		registry domain.CollectorRegistry
		ctx      context.Context
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		cfg = fixtures.Config(dir)
		host = fixtures.NewFakeHost(97)
		registry = infra.NewFileRegistry(dir)
		ctx = context.Background()
	})

	// collect runs the collector until it has stored a few battery samples.
	collect := func() {
		store, err := daemon.OpenStore(cfg, false, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		orch, err := daemon.New(daemon.Options{
			Config:     cfg,
			Store:      store,
			Registry:   registry,
			Deps:       host.Deps(),
			Logger:     zap.NewNop(),
			AppVersion: "1.0.0-test",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(orch.Start(ctx)).To(Succeed())

		Eventually(host.BatteryReads, 5*time.Second, 20*time.Millisecond).Should(BeNumerically(">=", 5))

		info, err := registry.Get()
		Expect(err).NotTo(HaveOccurred())
		Expect(info).NotTo(BeNil())
		Expect(info.DBPath).To(Equal(cfg.DBPath()))
		Expect(info.Probes).NotTo(BeEmpty())

		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		Expect(orch.Stop(stopCtx)).To(Succeed())
	}

	openReader := func() *infra.Store {
		store, err := daemon.OpenStore(cfg, true, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(store.Close)
		return store
	}

	Describe("running against an encrypted store", func() {
		It("should persist samples from every enabled probe", func() {
			collect()

			q := usecase.NewQueryEngine(openReader())
			mem, err := q.Memory(ctx, usecase.Criteria{})
			Expect(err).NotTo(HaveOccurred())
			Expect(mem).NotTo(BeEmpty())
			Expect(mem[0].Percent).To(Equal(97.0))

			procs, err := q.Processes(ctx, usecase.Criteria{Name: "browser"})
			Expect(err).NotTo(HaveOccurred())
			Expect(procs).NotTo(BeEmpty())
			for _, p := range procs {
				Expect(p.Name).To(Equal("com.example.browser"))
			}

			bat, err := q.Battery(ctx, usecase.Criteria{})
			Expect(err).NotTo(HaveOccurred())
			Expect(len(bat)).To(BeNumerically(">=", 2))
			Expect(bat[len(bat)-1].Level).To(BeNumerically("<", bat[0].Level))

			net, err := q.Network(ctx, usecase.Criteria{Interface: "wlan0"})
			Expect(err).NotTo(HaveOccurred())
			Expect(net).NotTo(BeEmpty())
		})

		It("should raise and store alerts above the thresholds", func() {
			collect()

			q := usecase.NewQueryEngine(openReader())
			alerts, err := q.Alerts(ctx, usecase.Criteria{Module: string(domain.ModuleMemory)})
			Expect(err).NotTo(HaveOccurred())
			Expect(alerts).NotTo(BeEmpty())
			Expect(alerts[0].AlertKind).To(Equal(domain.AlertHighMemory))
			Expect(alerts[0].Severity).To(Equal(domain.SeverityWarning))
		})

		It("should clear the registry on stop", func() {
			collect()

			info, err := registry.Get()
			Expect(err).NotTo(HaveOccurred())
			Expect(info).To(BeNil())
		})

		It("should refuse to open the store without its key", func() {
			collect()

			Expect(os.Remove(filepath.Join(dir, ".store.key"))).To(Succeed())
			_, err := daemon.OpenStore(cfg, true, zap.NewNop())
			Expect(err).To(MatchError(domain.ErrStoreUnavailable))
		})
	})

	Describe("reading a populated store", func() {
		BeforeEach(func() {
			collect()
		})

		It("should summarise every table", func() {
			summary, err := usecase.NewQueryEngine(openReader()).Summary(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Total).To(BeNumerically(">", 0))
			Expect(summary.TopCPU).NotTo(BeEmpty())
			Expect(summary.TopCPU[0].Name).To(Equal("com.example.browser"))
		})

		It("should produce a report", func() {
			now := time.Now()
			rep, err := usecase.NewQueryEngine(openReader()).Report(ctx, now.Add(-time.Hour), now.Add(time.Minute))
			Expect(err).NotTo(HaveOccurred())
			Expect(rep.Metrics.AvgMemory).To(Equal(97.0))
			Expect(rep.HealthScore).To(BeNumerically("<", 100))
		})

		It("should export CSV files", func() {
			out := filepath.Join(dir, "export")
			Expect(os.MkdirAll(out, 0755)).To(Succeed())

			paths, err := infra.ExportCSV(ctx, openReader(), out, domain.TimeRange{},
				[]domain.Kind{domain.KindMemory, domain.KindProcess})
			Expect(err).NotTo(HaveOccurred())
			Expect(paths).To(HaveLen(2))
			for _, p := range paths {
				Expect(p).To(BeAnExistingFile())
			}
		})

		It("should archive and then delete old records", func() {
			store, err := daemon.OpenStore(cfg, false, zap.NewNop())
			Expect(err).NotTo(HaveOccurred())
			defer store.Close()

			cutoff := time.Now().Add(time.Minute)
			dst := filepath.Join(dir, "archives", "all.zip")
			Expect(os.MkdirAll(filepath.Dir(dst), 0700)).To(Succeed())

			manifest, err := infra.NewArchiver(store, "1.0.0-test", zap.NewNop()).WriteBefore(ctx, dst, cutoff)
			Expect(err).NotTo(HaveOccurred())
			Expect(manifest.Counts[domain.KindMemory]).To(BeNumerically(">", 0))
			Expect(dst).To(BeAnExistingFile())
			Expect(dst + ".sha256").To(BeAnExistingFile())

			deleted, err := store.DeleteOlderThan(ctx, cutoff)
			Expect(err).NotTo(HaveOccurred())
			Expect(deleted[domain.KindMemory]).To(BeEquivalentTo(manifest.Counts[domain.KindMemory]))

			left, err := store.Query(ctx, domain.KindMemory, domain.TimeRange{}, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(left).To(BeEmpty())
		})
	})
})
