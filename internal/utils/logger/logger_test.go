package logger

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dwarvesf/escrow-settlement/internal/types/environments"
)

type fatalHook struct {
	called bool
}

func (h *fatalHook) OnWrite(_ *zapcore.CheckedEntry, _ []zapcore.Field) {
	h.called = true
}

// observed swaps the zap core for an in-memory one at debug level.
func observed() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return &Logger{wrappedLogger: zap.New(core)}, logs
}

var _ = Describe("Logger", func() {
	Describe("#New", func() {
		DescribeTable("builds a logger for every environment",
			func(env environments.Environment, debug bool) {
				logger := New(env)
				Expect(logger.wrappedLogger).NotTo(BeNil())
				Expect(logger.wrappedLogger.Core().Enabled(zapcore.DebugLevel)).To(Equal(debug))
			},
			Entry("development", environments.Development, true),
			Entry("staging", environments.Staging, false),
			Entry("production", environments.Production, false),
			Entry("test", environments.Test, false),
			Entry("unknown falls back to production", environments.Environment("qa"), false),
		)
	})

	Describe("levels", func() {
		It("writes the message with its fields at the matching level", func() {
			logger, logs := observed()

			logger.Debug("[Sweep] scanning", map[string]string{"batch": "50"})
			logger.Info("[Sweep] done", map[string]string{"advanced": "3"})
			logger.Warn("[SafetyMonitor] escalated", map[string]string{"payment_id": "pay-1"})
			logger.Error("[Advance] hop failed", map[string]string{"hop": "bridge_transfer", "class": "transient"})

			entries := logs.All()
			Expect(entries).To(HaveLen(4))
			Expect(entries[0].Level).To(Equal(zapcore.DebugLevel))
			Expect(entries[1].ContextMap()).To(HaveKeyWithValue("advanced", "3"))
			Expect(entries[2].Level).To(Equal(zapcore.WarnLevel))
			Expect(entries[3].Message).To(Equal("[Advance] hop failed"))
			Expect(entries[3].ContextMap()).To(Equal(map[string]interface{}{
				"hop":   "bridge_transfer",
				"class": "transient",
			}))
		})

		It("accepts a call without fields", func() {
			logger, logs := observed()
			logger.Info("[Init] starting api server")
			Expect(logs.All()[0].Context).To(BeEmpty())
		})

		It("runs the fatal hook instead of exiting", func() {
			hook := &fatalHook{}
			core, _ := observer.New(zapcore.FatalLevel)
			logger := &Logger{wrappedLogger: zap.New(core, zap.WithFatalHook(hook))}

			logger.Fatal("[Init] JWT_SECRET is required")
			Expect(hook.called).To(BeTrue())
		})
	})

	Describe("#WithFile", func() {
		It("returns the same logger when no path is given", func() {
			logger := New(environments.Test)
			Expect(logger.WithFile(FileOptions{})).To(BeIdenticalTo(logger))
		})

		It("writes json lines to the rotating file", func() {
			path := filepath.Join(GinkgoT().TempDir(), "settlement.log")
			logger := New(environments.Test).WithFile(FileOptions{Path: path, MaxSizeMB: 1})

			logger.Info("[Sweep] done", map[string]string{"advanced": "3"})
			logger.Debug("[Sweep] below the file level")
			logger.Sync()

			content, err := os.ReadFile(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(content)).To(ContainSubstring(`"msg":"[Sweep] done"`))
			Expect(string(content)).To(ContainSubstring(`"advanced":"3"`))
			Expect(string(content)).NotTo(ContainSubstring("below the file level"))
		})
	})

	Describe("#toFields", func() {
		It("orders fields by key and lets later maps win", func() {
			fields := toFields([]map[string]string{
				{"payment_id": "pay-1", "hop": "create_escrow"},
				{"hop": "bridge_transfer"},
			})
			Expect(fields).To(Equal([]zap.Field{
				zap.String("hop", "bridge_transfer"),
				zap.String("payment_id", "pay-1"),
			}))
		})

		It("returns no fields for no input", func() {
			Expect(toFields(nil)).To(BeEmpty())
		})
	})
})
