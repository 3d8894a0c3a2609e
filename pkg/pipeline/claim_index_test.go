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

package pipeline

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ParseClaimIndex", func() {
	It("parses a bare integer", func() {
		idx, err := ParseClaimIndex(json.RawMessage(`3`))
		Expect(err).NotTo(HaveOccurred())
		Expect(idx).To(Equal(ClaimIndex(3)))
	})

	It("parses a claimId<n> string", func() {
		idx, err := ParseClaimIndex(json.RawMessage(`"claimId5"`))
		Expect(err).NotTo(HaveOccurred())
		Expect(idx).To(Equal(ClaimIndex(5)))
	})

	It("rejects a string that doesn't match the claimId<n> pattern", func() {
		_, err := ParseClaimIndex(json.RawMessage(`"bogus"`))
		Expect(err).To(HaveOccurred())
	})

	It("rejects a malformed token", func() {
		_, err := ParseClaimIndex(json.RawMessage(`{}`))
		Expect(err).To(HaveOccurred())
	})

	Describe("InRange", func() {
		It("accepts indices within bounds", func() {
			Expect(ClaimIndex(0).InRange(3)).To(BeTrue())
			Expect(ClaimIndex(2).InRange(3)).To(BeTrue())
		})

		It("rejects indices at or beyond the length, and negatives", func() {
			Expect(ClaimIndex(3).InRange(3)).To(BeFalse())
			Expect(ClaimIndex(-1).InRange(3)).To(BeFalse())
		})
	})
})
