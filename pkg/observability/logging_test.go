/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package observability

import (
	"github.com/go-logr/logr"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("NewLogger", func() {
	It("builds a development logger without error", func() {
		logger, zapLogger, err := NewLogger(true)
		Expect(err).NotTo(HaveOccurred())
		Expect(zapLogger).NotTo(BeNil())
		Expect(logger.GetSink()).NotTo(BeNil())
	})

	It("builds a production logger without error", func() {
		_, zapLogger, err := NewLogger(false)
		Expect(err).NotTo(HaveOccurred())
		Expect(zapLogger).NotTo(BeNil())
	})
})

var _ = Describe("ForReport", func() {
	It("does not panic annotating a discard logger", func() {
		Expect(func() { ForReport(logr.Discard(), "report-1", "user-1") }).NotTo(Panic())
	})
})
