package broker

import (
	"strconv"
	"strings"
)

// Некоторые брокеры (angel, shoonya) отдают числовые поля строками,
// иногда пустыми или "NA". Парсим снисходительно: мусор = 0.

func atoiLoose(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

func atofLoose(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}
