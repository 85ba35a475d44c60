package resume_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kiranshivaraju/docbatch/internal/resume"
)

var _ = Describe("Policy", func() {
	DescribeTable("validation",
		func(p resume.Policy, ok bool) {
			err := p.Validate()
			if ok {
				Expect(err).NotTo(HaveOccurred())
			} else {
				Expect(err).To(MatchError(resume.ErrInvalidPolicy))
			}
		},
		Entry("default", resume.DefaultPolicy(), true),
		Entry("one round", resume.Policy{MaxRounds: 1}, true),
		Entry("ten rounds", resume.Policy{MaxRounds: 10}, true),
		Entry("zero rounds", resume.Policy{MaxRounds: 0}, false),
		Entry("eleven rounds", resume.Policy{MaxRounds: 11}, false),
		Entry("negative grace", resume.Policy{MaxRounds: 3, GraceDelay: -time.Second}, false),
	)

	It("uses the unbounded ceiling above every bounded maximum", func() {
		for n := resume.MinRounds; n <= resume.MaxRounds; n++ {
			bounded := resume.Policy{MaxRounds: n}
			unbounded := resume.Policy{MaxRounds: n, Unbounded: true}
			Expect(bounded.Ceiling()).To(Equal(n))
			Expect(unbounded.Ceiling()).To(Equal(resume.UnboundedRounds))
			Expect(unbounded.Ceiling()).To(BeNumerically(">", bounded.Ceiling()))
		}
	})
})
