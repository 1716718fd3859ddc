package preemption

// quantile is a streaming quantile estimator, using the P-Square algorithm
// (Jain and Chlamtac, 1985): five markers, adjusted per observation, with
// constant memory.
//
// Not safe for concurrent use.
type quantile struct {
	// marker heights
	q [5]float64
	// marker positions
	n [5]int
	// desired marker positions, and their increments
	np [5]float64
	dn [5]float64
	// the first five observations, before the markers exist
	init  [5]float64
	p     float64
	count int
}

func newQuantile(p float64) *quantile {
	p = min(max(p, 0), 1)
	return &quantile{
		p:  p,
		dn: [5]float64{0, p / 2, p, (1 + p) / 2, 1},
	}
}

func (x *quantile) update(v float64) {
	x.count++
	if x.count <= 5 {
		x.init[x.count-1] = v
		if x.count == 5 {
			sortFive(&x.init)
			x.q = x.init
			x.n = [5]int{0, 1, 2, 3, 4}
			x.np = [5]float64{0, 2 * x.p, 4 * x.p, 2 + 2*x.p, 4}
		}
		return
	}

	var k int
	switch {
	case v < x.q[0]:
		x.q[0] = v
		k = 0
	case v >= x.q[4]:
		x.q[4] = v
		k = 3
	default:
		for k = 0; k < 4; k++ {
			if x.q[k] <= v && v < x.q[k+1] {
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		x.n[i]++
	}
	for i := range x.np {
		x.np[i] += x.dn[i]
	}

	for i := 1; i < 4; i++ {
		d := x.np[i] - float64(x.n[i])
		if (d >= 1 && x.n[i+1]-x.n[i] > 1) || (d <= -1 && x.n[i-1]-x.n[i] < -1) {
			sign := 1
			if d < 0 {
				sign = -1
			}
			if h := x.parabolic(i, sign); x.q[i-1] < h && h < x.q[i+1] {
				x.q[i] = h
			} else {
				x.q[i] = x.linear(i, sign)
			}
			x.n[i] += sign
		}
	}
}

func (x *quantile) parabolic(i, d int) float64 {
	df := float64(d)
	n0, n1, n2 := float64(x.n[i-1]), float64(x.n[i]), float64(x.n[i+1])
	return x.q[i] + df/(n2-n0)*((n1-n0+df)*(x.q[i+1]-x.q[i])/(n2-n1)+
		(n2-n1-df)*(x.q[i]-x.q[i-1])/(n1-n0))
}

func (x *quantile) linear(i, d int) float64 {
	return x.q[i] + float64(d)*(x.q[i+d]-x.q[i])/float64(x.n[i+d]-x.n[i])
}

func (x *quantile) value() float64 {
	switch {
	case x.count == 0:
		return 0
	case x.count < 5:
		buf := x.init
		sorted := buf[:x.count]
		for i := 1; i < len(sorted); i++ {
			for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
				sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
			}
		}
		return sorted[int(float64(x.count-1)*x.p)]
	default:
		return x.q[2]
	}
}

func sortFive(a *[5]float64) {
	for i := 1; i < 5; i++ {
		for j := i; j > 0 && a[j-1] > a[j]; j-- {
			a[j-1], a[j] = a[j], a[j-1]
		}
	}
}
