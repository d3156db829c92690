package transaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDump = `STK_CODE;BUYER_CODE;SELLER_CODE;STK_VOLM;STK_PRIC;TRX_CODE;BOARD;TRX_TIME;BUYER_TYPE;SELLER_TYPE;BUYER_ORD;SELLER_ORD
ABCD;XY;ZZ;100;1000;T1;RG;08:30:00;I;A;11;0
ABCD;XY;ZZ;200;1010;T2;RG;090001;I;A;12;0

ABCDE;XY;ZZ;5;10;T9;RG;09:10:00;I;I;1;2
ABCD;WW;XY;abc;990;T3;NG;9:00:01;A;I;0;23
EFGH;XY;WW;10;x;T4;TN;25:00:00;Z;;-4;7
`

func TestParse_Basic(t *testing.T) {
	records, stats := ParseWithStats(sampleDump, OrderColumns)

	require.Len(t, records, 4)
	assert.Equal(t, ';', stats.Delimiter)
	assert.Equal(t, 5, stats.Lines)
	assert.Equal(t, 1, stats.Dropped)
	assert.Equal(t, 4, stats.Parsed)

	first := records[0]
	assert.Equal(t, "ABCD", first.StockCode)
	assert.Equal(t, "XY", first.BuyerBroker)
	assert.Equal(t, "ZZ", first.SellerBroker)
	assert.Equal(t, 100.0, first.Volume)
	assert.Equal(t, 1000.0, first.Price)
	assert.Equal(t, 100000.0, first.Value())
	assert.Equal(t, "T1", first.TxCode)
	assert.Equal(t, BoardRegular, first.Board)
	assert.Equal(t, "08:30:00", first.Time)
	assert.Equal(t, OriginDomestic, first.BuyerOrigin)
	assert.Equal(t, OriginForeign, first.SellerOrigin)
	assert.Equal(t, int64(11), first.BuyerOrder)
	assert.Equal(t, int64(0), first.SellerOrder)

	// HHMMSS normalized
	assert.Equal(t, "09:00:01", records[1].Time)

	// numeric failure defaults to zero, line kept
	third := records[2]
	assert.Equal(t, 0.0, third.Volume)
	assert.Equal(t, 990.0, third.Price)
	assert.Equal(t, BoardNegotiated, third.Board)
	assert.Equal(t, "09:00:01", third.Time)
	assert.Equal(t, int64(23), third.SellerOrder)

	fourth := records[3]
	assert.Equal(t, 0.0, fourth.Price)
	assert.Equal(t, BoardCash, fourth.Board)
	assert.Equal(t, "", fourth.Time)
	assert.Equal(t, OriginUnclassified, fourth.BuyerOrigin)
	assert.Equal(t, OriginUnclassified, fourth.SellerOrigin)
	assert.Equal(t, int64(0), fourth.BuyerOrder)
	assert.Equal(t, int64(7), fourth.SellerOrder)
}

func TestParse_CommaDelimitedAndHeaderOrder(t *testing.T) {
	raw := "\ufeffBoard,Price,Volume,Stock Code,Seller,Buyer,TX_CODE\n" +
		"RG,50,300,BBCA,AA,BB,1\n"

	records := Parse(raw, BaseColumns)
	require.Len(t, records, 1)

	r := records[0]
	assert.Equal(t, "BBCA", r.StockCode)
	assert.Equal(t, "BB", r.BuyerBroker)
	assert.Equal(t, "AA", r.SellerBroker)
	assert.Equal(t, 300.0, r.Volume)
	assert.Equal(t, 50.0, r.Price)
	assert.Equal(t, "1", r.TxCode)
}

func TestParse_MissingRequiredHeader(t *testing.T) {
	raw := "STK_CODE;BUYER_CODE;SELLER_CODE;STK_VOLM;STK_PRIC;TRX_CODE;BOARD\n" +
		"ABCD;XY;ZZ;100;1000;T1;RG\n"

	// base columns are enough for the plain flavors
	assert.Len(t, Parse(raw, BaseColumns), 1)

	// order-aware flavors need time and order references
	records, stats := ParseWithStats(raw, OrderColumns)
	assert.Empty(t, records)
	assert.ElementsMatch(t, []Column{ColTime, ColBuyerOrder, ColSellerOrder}, stats.MissingHeader)

	assert.Empty(t, Parse(raw, OriginColumns))
}

func TestParse_EmptyInput(t *testing.T) {
	assert.Empty(t, Parse("", BaseColumns))
	assert.Empty(t, Parse("\n\n", BaseColumns))
}

func TestNormalizeTime(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"08:58:00", "08:58:00"},
		{"085800", "08:58:00"},
		{"85800", "08:58:00"},
		{"8:58:00", "08:58:00"},
		{" 09:00:01 ", "09:00:01"},
		{"09:00:01.250", "09:00:01"},
		{"24:00:00", ""},
		{"09:60:00", ""},
		{"0900", ""},
		{"ab:cd:ef", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeTime(tt.in))
		})
	}
}

func TestParseBoardAndOrigin(t *testing.T) {
	assert.Equal(t, BoardRegular, ParseBoard("RG"))
	assert.Equal(t, BoardNegotiated, ParseBoard("NG"))
	assert.Equal(t, BoardCash, ParseBoard("TN"))
	assert.Equal(t, BoardUnknown, ParseBoard("rg"))
	assert.Equal(t, "negotiated", BoardNegotiated.Name())

	assert.Equal(t, OriginDomestic, ParseOrigin("I"))
	assert.Equal(t, OriginForeign, ParseOrigin("A"))
	assert.Equal(t, OriginUnclassified, ParseOrigin("F"))
	assert.Equal(t, "foreign", OriginForeign.String())
}

func TestParseOrder(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"12345", 12345},
		{"-4", 0},
		{"12.0", 12},
		{"1.5e3", 1500},
		{"1e20", 0},
		{"9223372036854775807", 9223372036854775807},
		{"9.3e18", 0},
		{"NaN", 0},
		{"Inf", 0},
		{"abc", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseOrder(tt.in), tt.in)
	}
}

func TestColumnString(t *testing.T) {
	assert.Equal(t, "trx_time", ColTime.String())
	assert.Equal(t, "unknown", Column(99).String())
}
