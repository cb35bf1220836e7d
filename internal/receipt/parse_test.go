package receipt

import (
	"fmt"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ParseRecords", func() {
	var (
		text     string
		records  []Record
		warnings []string
	)

	JustBeforeEach(func() {
		records, warnings = ParseRecords(text)
	})

	When("the completion is the labeled Acme receipt", func() {
		BeforeEach(func() {
			text = "Store Name: Acme\nDate: 2024-03-01\nItem Purchase: Milk\nPrice: 3.50\nItem Purchase: Bread\nPrice: 2.25\n"
		})

		It("returns one record per item", func() {
			Expect(records).To(Equal([]Record{
				{StoreName: "Acme", Date: "2024-03-01", ItemPurchased: "Milk", Price: "3.50"},
				{StoreName: "Acme", Date: "2024-03-01", ItemPurchased: "Bread", Price: "2.25"},
			}))
		})

		It("has no warnings", func() {
			Expect(warnings).To(BeEmpty())
		})
	})

	When("the completion lists N priced items", func() {
		BeforeEach(func() {
			var b strings.Builder
			b.WriteString("Store: Market\n")
			for i := 1; i <= 7; i++ {
				fmt.Fprintf(&b, "Item: thing %d\nPrice: %d.00\n", i, i)
			}
			text = b.String()
		})

		It("returns N records in input order", func() {
			Expect(records).To(HaveLen(7))
			for i, r := range records {
				Expect(r.ItemPurchased).To(Equal(fmt.Sprintf("thing %d", i+1)))
				Expect(r.Price).To(Equal(fmt.Sprintf("%d.00", i+1)))
				Expect(r.StoreName).To(Equal("Market"))
				Expect(r.Date).To(BeEmpty())
			}
		})
	})

	When("the text is empty", func() {
		BeforeEach(func() {
			text = "  \n\n "
		})

		It("returns an empty slice and no warnings", func() {
			Expect(records).NotTo(BeNil())
			Expect(records).To(BeEmpty())
			Expect(warnings).To(BeEmpty())
		})
	})

	When("labels vary in case and carry bullets and emphasis", func() {
		BeforeEach(func() {
			text = "**STORE NAME:** Acme.\n- date: 01/03/2024\n1. item purchased: Milk\n2) PRICE: $3.50;\n* **Item Purchase:** Eggs\n• Price: 2,10"
		})

		It("strips decoration and trailing punctuation", func() {
			Expect(records).To(Equal([]Record{
				{StoreName: "Acme", Date: "01/03/2024", ItemPurchased: "Milk", Price: "$3.50"},
				{StoreName: "Acme", Date: "01/03/2024", ItemPurchased: "Eggs", Price: "2,10"},
			}))
			Expect(warnings).To(BeEmpty())
		})
	})

	When("the store changes part way through", func() {
		BeforeEach(func() {
			text = "Store Name: Acme\nItem: Milk\nPrice: 1.00\nStore Name: Bakery\nItem: Bun\nPrice: 0.80"
		})

		It("carries each store forward to its own items", func() {
			Expect(records).To(HaveLen(2))
			Expect(records[0].StoreName).To(Equal("Acme"))
			Expect(records[1].StoreName).To(Equal("Bakery"))
		})
	})

	When("an item has no price", func() {
		BeforeEach(func() {
			text = "Store Name: Acme\nItem Purchase: Milk\nItem Purchase: Bread\nPrice: 2.25"
		})

		It("flushes it with an empty price and warns", func() {
			Expect(records).To(Equal([]Record{
				{StoreName: "Acme", ItemPurchased: "Milk", Price: ""},
				{StoreName: "Acme", ItemPurchased: "Bread", Price: "2.25"},
			}))
			Expect(warnings).To(ContainElement(ContainSubstring(`"Milk" has no price`)))
		})
	})

	When("the last item has no price", func() {
		BeforeEach(func() {
			text = "Store Name: Acme\nItem Purchase: Milk"
		})

		It("still keeps the item", func() {
			Expect(records).To(HaveLen(1))
			Expect(records[0].Price).To(BeEmpty())
			Expect(warnings).To(HaveLen(1))
		})
	})

	When("a price has no item", func() {
		BeforeEach(func() {
			text = "Store Name: Acme\nPrice: 9.99\nItem Purchase: Milk\nPrice: 3.50"
		})

		It("drops the price and warns", func() {
			Expect(records).To(HaveLen(1))
			Expect(records[0].Price).To(Equal("3.50"))
			Expect(warnings).To(ContainElement(ContainSubstring(`price "9.99" has no item`)))
		})
	})

	When("a price is not price-like", func() {
		BeforeEach(func() {
			text = "Item Purchase: Milk\nPrice: two dollars"
		})

		It("stores the raw text and warns", func() {
			Expect(records).To(Equal([]Record{{ItemPurchased: "Milk", Price: "two dollars"}}))
			Expect(warnings).To(ContainElement(ContainSubstring("not a recognizable amount")))
		})
	})

	When("labeled text contains chatter", func() {
		BeforeEach(func() {
			text = "Here is the receipt:\nStore Name: Acme\nItem Purchase: Milk\nPrice: 3.50\nLet me know if you need more."
		})

		It("ignores the chatter with warnings", func() {
			Expect(records).To(HaveLen(1))
			Expect(warnings).To(HaveLen(2))
		})
	})

	When("the completion has no labels", func() {
		BeforeEach(func() {
			text = "Acme\n2024-03-01\nMilk\n3.50\nBread\n2.25"
		})

		It("reads store, date and item/price pairs by position", func() {
			Expect(records).To(Equal([]Record{
				{StoreName: "Acme", Date: "2024-03-01", ItemPurchased: "Milk", Price: "3.50"},
				{StoreName: "Acme", Date: "2024-03-01", ItemPurchased: "Bread", Price: "2.25"},
			}))
			Expect(warnings).To(ContainElement(ContainSubstring("no labels found")))
		})
	})

	When("the completion has no labels and no date", func() {
		BeforeEach(func() {
			text = "Corner Shop\nTea\n4.00"
		})

		It("leaves the date empty", func() {
			Expect(records).To(Equal([]Record{{StoreName: "Corner Shop", ItemPurchased: "Tea", Price: "4.00"}}))
		})
	})

	When("unlabeled items start with a quantity", func() {
		BeforeEach(func() {
			text = "Acme\n2 Milk\n3 Eggs\n$4.50"
		})

		It("does not read the quantity as a price", func() {
			Expect(records).To(Equal([]Record{
				{StoreName: "Acme", ItemPurchased: "2 Milk", Price: ""},
				{StoreName: "Acme", ItemPurchased: "3 Eggs", Price: "$4.50"},
			}))
			Expect(warnings).To(ContainElement(ContainSubstring(`"2 Milk" has no price`)))
		})
	})

	When("labeled text yields nothing", func() {
		BeforeEach(func() {
			text = "Store Name: Acme\nDate: 2024-03-01"
		})

		It("returns no records and an ambiguity warning", func() {
			Expect(records).To(BeEmpty())
			Expect(warnings).To(ContainElement(ContainSubstring(ErrParseAmbiguous.Error())))
		})
	})
})

var _ = Describe("isPrice", func() {
	DescribeTable("amounts",
		func(v string, expected bool) {
			Expect(isPrice(v)).To(Equal(expected))
		},
		Entry("decimal", "3.50", true),
		Entry("comma decimal", "2,10", true),
		Entry("dollar sign", "$3", true),
		Entry("euro suffix", "4,99 €", true),
		Entry("currency code", "USD 12.00", true),
		Entry("negative discount", "-1.25", true),
		Entry("rupees", "Rs. 120", true),
		Entry("bare integer", "2", false),
		Entry("thousands without decimals", "1,000", false),
		Entry("quantity and item", "2 Milk", false),
		Entry("quantity and short word", "2 eggs", false),
		Entry("words", "two dollars", false),
		Entry("currency alone", "$", false),
	)
})
