package logger

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

var _ = Describe("environment configs", func() {
	It("logs json at info in production with callers and stacktraces", func() {
		cfg := newProductionLoggerConfig()
		Expect(cfg.Level.Level()).To(Equal(zap.InfoLevel))
		Expect(cfg.Encoding).To(Equal("json"))
		Expect(cfg.DisableCaller).To(BeFalse())
		Expect(cfg.DisableStacktrace).To(BeFalse())
		Expect(cfg.EncoderConfig.TimeKey).To(Equal("ts"))
	})

	It("drops callers and stacktraces in staging", func() {
		cfg := newStagingLoggerConfig()
		Expect(cfg.Encoding).To(Equal("json"))
		Expect(cfg.DisableCaller).To(BeTrue())
		Expect(cfg.DisableStacktrace).To(BeTrue())
	})

	It("logs colored console output at debug in development", func() {
		cfg := newDevelopmentLoggerConfig()
		Expect(cfg.Level.Level()).To(Equal(zap.DebugLevel))
		Expect(cfg.Encoding).To(Equal("console"))
		Expect(cfg.Development).To(BeTrue())
	})

	It("writes nowhere in tests", func() {
		cfg := newTestLoggerConfig()
		Expect(cfg.OutputPaths).To(BeEmpty())
		Expect(cfg.ErrorOutputPaths).To(BeEmpty())
	})
})
